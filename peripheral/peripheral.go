// Package peripheral is the hardware boundary the dispatcher drives: a
// board exposing an LED, an ADC and a PWM channel, and a push button.
package peripheral

import (
	"errors"

	"github.com/mbocsi/devlink/proto"
)

var (
	ErrUnsupported = errors.New("peripheral: unsupported element")
	ErrReadOnly    = errors.New("peripheral: element is read-only")
	ErrOutOfRange  = errors.New("peripheral: value out of range")
	ErrReadFailed  = errors.New("peripheral: read failed")
)

// Peripheral reads and writes board elements. Values are in protocol units:
// 0/1 for the LED, percent for PWM, raw counts for the ADC.
type Peripheral interface {
	Read(el proto.Element) (int, error)
	Write(el proto.Element, value int) error
}
