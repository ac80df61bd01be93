package peripheral

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mbocsi/devlink/proto"
)

func TestBoard_LED(t *testing.T) {
	board := NewBoard(FixedADC(100))

	if err := board.Write(proto.ElemLed, 1); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	v, err := board.Read(proto.ElemLed)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if v != 1 {
		t.Errorf("Expected led 1, got %d", v)
	}

	if err := board.Write(proto.ElemLed, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if v, _ := board.Read(proto.ElemLed); v != 1 {
		t.Errorf("Expected rejected write to leave led at 1, got %d", v)
	}
}

func TestBoard_PWMQuantization(t *testing.T) {
	board := NewBoard(FixedADC(0))

	cases := map[int]int{0: 0, 1: 0, 42: 41, 50: 50, 99: 98, 100: 100}
	for written, want := range cases {
		if err := board.Write(proto.ElemPwm, written); err != nil {
			t.Fatalf("Write(%d) failed: %v", written, err)
		}
		got, err := board.Read(proto.ElemPwm)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected pwm %d to read back as %d, got %d", written, want, got)
		}
	}

	if err := board.Write(proto.ElemPwm, 101); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestBoard_ADC(t *testing.T) {
	board := NewBoard(FixedADC(1234))

	v, err := board.Read(proto.ElemAdc)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if v != 1234 {
		t.Errorf("Expected 1234, got %d", v)
	}

	if err := board.Write(proto.ElemAdc, 5); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
}

func TestBoard_ADCFailure(t *testing.T) {
	board := NewBoard(func() (int, error) { return 0, errors.New("timeout") })

	if _, err := board.Read(proto.ElemAdc); !errors.Is(err, ErrReadFailed) {
		t.Errorf("Expected ErrReadFailed, got %v", err)
	}

	board = NewBoard(FixedADC(ADCMax + 1))
	if _, err := board.Read(proto.ElemAdc); !errors.Is(err, ErrReadFailed) {
		t.Errorf("Expected ErrReadFailed for out of range sample, got %v", err)
	}
}

func TestBoard_Unsupported(t *testing.T) {
	board := NewBoard(nil)

	if _, err := board.Read(proto.ElemServer); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
	if err := board.Write(proto.Element('Z'), 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
}

func TestBoard_OnChange(t *testing.T) {
	board := NewBoard(FixedADC(0))

	var gotEl proto.Element
	var gotValue int
	calls := 0
	board.OnChange(func(el proto.Element, value int) {
		gotEl, gotValue = el, value
		calls++
	})

	board.Write(proto.ElemPwm, 42)
	board.Write(proto.ElemLed, 3)

	if calls != 1 {
		t.Fatalf("Expected 1 change notification, got %d", calls)
	}
	if gotEl != proto.ElemPwm || gotValue != 41 {
		t.Errorf("Expected pwm 41, got %s %d", gotEl, gotValue)
	}
}

func TestRandomWalkADC_StaysInRange(t *testing.T) {
	for _, start := range []int{0, ADCMax} {
		adc := RandomWalkADC(start)
		for i := 0; i < 200; i++ {
			v, err := adc()
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if v < 0 || v > ADCMax {
				t.Fatalf("Expected sample in range, got %d", v)
			}
		}
	}
}

func TestButton_Debounce(t *testing.T) {
	mock := clock.NewMock()
	button := NewButton(mock, time.Minute)

	if !button.Press() {
		t.Fatal("Expected first press to emit an edge")
	}
	mock.Add(30 * time.Second)
	if button.Press() {
		t.Error("Expected press inside debounce window to be dropped")
	}
	mock.Add(31 * time.Second)
	if !button.Press() {
		t.Error("Expected press after debounce window to emit an edge")
	}

	first := <-button.Edges()
	second := <-button.Edges()
	if second.At.Sub(first.At) != 61*time.Second {
		t.Errorf("Expected edges 61s apart, got %s", second.At.Sub(first.At))
	}
}

func TestButton_Close(t *testing.T) {
	button := NewButton(clock.NewMock(), 0)
	button.Close()
	button.Close()

	if button.Press() {
		t.Error("Expected press after close to be dropped")
	}
	if _, ok := <-button.Edges(); ok {
		t.Error("Expected edges channel to be closed")
	}
}

func TestButton_DropsWhenConsumerBehind(t *testing.T) {
	button := NewButton(clock.NewMock(), 0)

	accepted := 0
	for i := 0; i < 10; i++ {
		if button.Press() {
			accepted++
		}
	}
	if accepted != cap(button.edges) {
		t.Errorf("Expected %d buffered edges, got %d", cap(button.edges), accepted)
	}
}
