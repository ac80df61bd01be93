package peripheral

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/mbocsi/devlink/proto"
)

const (
	// PWMResolution is the duty range of the 10 bit LEDC timer.
	PWMResolution = 1024
	// ADCMax is the largest raw count of the 12 bit converter.
	ADCMax = 4095
)

// ADCSource samples the analog input.
type ADCSource func() (int, error)

// Board is an in-memory board with the same quantization as the hardware.
type Board struct {
	mu   sync.Mutex
	led  int
	duty int
	adc  ADCSource

	obsMu     sync.RWMutex
	observers []func(proto.Element, int)
}

func NewBoard(adc ADCSource) *Board {
	if adc == nil {
		adc = RandomWalkADC(ADCMax / 2)
	}
	return &Board{adc: adc}
}

// OnChange registers fn to be called with the read-back value after every
// successful write.
func (b *Board) OnChange(fn func(el proto.Element, value int)) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Board) Read(el proto.Element) (int, error) {
	switch el {
	case proto.ElemLed:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.led, nil
	case proto.ElemPwm:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.duty * 100 / PWMResolution, nil
	case proto.ElemAdc:
		v, err := b.adc()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}
		if v < 0 || v > ADCMax {
			return 0, fmt.Errorf("%w: sample %d outside 0..%d", ErrReadFailed, v, ADCMax)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, el)
	}
}

func (b *Board) Write(el proto.Element, value int) error {
	switch el {
	case proto.ElemLed:
		if value != 0 && value != 1 {
			return fmt.Errorf("%w: led %d", ErrOutOfRange, value)
		}
		b.mu.Lock()
		b.led = value
		b.mu.Unlock()
	case proto.ElemPwm:
		if value < 0 || value > 100 {
			return fmt.Errorf("%w: pwm %d", ErrOutOfRange, value)
		}
		b.mu.Lock()
		b.duty = PWMResolution * value / 100
		b.mu.Unlock()
	case proto.ElemAdc:
		return ErrReadOnly
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, el)
	}

	current, err := b.Read(el)
	if err != nil {
		return err
	}
	slog.Debug("Board updated", "element", el.String(), "value", current)

	b.obsMu.RLock()
	observers := b.observers
	b.obsMu.RUnlock()
	for _, fn := range observers {
		fn(el, current)
	}
	return nil
}

// RandomWalkADC returns a source that drifts a few counts per sample around
// start, clamped to the converter range.
func RandomWalkADC(start int) ADCSource {
	var mu sync.Mutex
	v := start
	return func() (int, error) {
		mu.Lock()
		defer mu.Unlock()
		v += rand.IntN(33) - 16
		v = max(0, min(ADCMax, v))
		return v, nil
	}
}

// FixedADC always samples v.
func FixedADC(v int) ADCSource {
	return func() (int, error) { return v, nil }
}
