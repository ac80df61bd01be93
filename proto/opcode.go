package proto

import "fmt"

// Operation is the single character opcode of a command.
type Operation byte

const (
	OpWrite     Operation = 'W'
	OpRead      Operation = 'R'
	OpLogin     Operation = 'L'
	OpKeepAlive Operation = 'K'
	OpMessage   Operation = 'M'
)

var operationNames = map[Operation]string{
	OpWrite:     "write",
	OpRead:      "read",
	OpLogin:     "login",
	OpKeepAlive: "keepalive",
	OpMessage:   "message",
}

// ParseOperation maps an opcode character to its Operation.
func ParseOperation(c byte) (Operation, bool) {
	op := Operation(c)
	_, ok := operationNames[op]
	return op, ok
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%q)", byte(o))
}

// Element is the peripheral or virtual target of a command. Characters
// outside the known table are kept verbatim so the dispatcher can reject them.
type Element byte

const (
	ElemLed    Element = 'L'
	ElemAdc    Element = 'A'
	ElemPwm    Element = 'P'
	ElemServer Element = 'S'
	ElemSms    Element = 'M'
)

var elementNames = map[Element]string{
	ElemLed:    "led",
	ElemAdc:    "adc",
	ElemPwm:    "pwm",
	ElemServer: "server",
	ElemSms:    "sms",
}

// Known reports whether e is one of the protocol's defined elements.
func (e Element) Known() bool {
	_, ok := elementNames[e]
	return ok
}

// IsPeripheral reports whether e addresses board hardware.
func (e Element) IsPeripheral() bool {
	return e == ElemLed || e == ElemAdc || e == ElemPwm
}

func (e Element) String() string {
	if name, ok := elementNames[e]; ok {
		return name
	}
	if e == 0 {
		return "none"
	}
	return fmt.Sprintf("element(%q)", byte(e))
}

// ParseOperationName accepts either the opcode character or its long name.
func ParseOperationName(s string) (Operation, error) {
	if len(s) == 1 {
		if op, ok := ParseOperation(s[0]); ok {
			return op, nil
		}
	}
	for op, name := range operationNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// ParseElementName accepts either the element character or its long name.
func ParseElementName(s string) (Element, error) {
	if len(s) == 1 {
		return Element(s[0]), nil
	}
	for el, name := range elementNames {
		if name == s {
			return el, nil
		}
	}
	return 0, fmt.Errorf("proto: unknown element %q", s)
}
