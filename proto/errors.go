package proto

import "errors"

var (
	ErrBadPrefix          = errors.New("proto: bad prefix")
	ErrFieldCountMismatch = errors.New("proto: field count mismatch")
	ErrUnknownOperation   = errors.New("proto: unknown operation")
	ErrLineTooLong        = errors.New("proto: line too long")
	ErrNotResponse        = errors.New("proto: not a response")
)

// IsDecodeError reports whether err came from a structurally invalid line.
// Such errors are answered with NACK and never end a session.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrBadPrefix) ||
		errors.Is(err, ErrFieldCountMismatch) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrLineTooLong)
}
