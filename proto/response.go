package proto

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	ackToken  = "ACK"
	nackToken = "NACK"
)

// Encode renders the response exactly as it goes on the wire, with no
// terminator.
func (r Response) Encode() []byte {
	if !r.Ack {
		return []byte(nackToken)
	}
	if r.HasValue {
		return []byte(ackToken + delimiter + strconv.Itoa(r.Value))
	}
	return []byte(ackToken)
}

// ParseResponse reads a peer's reply line.
func ParseResponse(line []byte) (Response, error) {
	line = bytes.TrimRight(line, "\r\n\x00")
	switch s := string(line); {
	case s == nackToken:
		return Nack(), nil
	case s == ackToken:
		return Ack(), nil
	case len(s) > len(ackToken)+1 && s[:len(ackToken)+1] == ackToken+delimiter:
		n, err := strconv.Atoi(s[len(ackToken)+1:])
		if err != nil {
			return Response{}, fmt.Errorf("%w: %q", ErrNotResponse, s)
		}
		return AckValue(n), nil
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrNotResponse, s)
	}
}

// IsResponse reports whether line is an ACK or NACK rather than a command.
func IsResponse(line []byte) bool {
	_, err := ParseResponse(line)
	return err == nil
}
