package proto

import (
	"bytes"
	"fmt"
	"strings"
)

// MaxLineLength is the largest payload a peer may send in one line. Device
// firmware reads into a 128 byte buffer with one byte kept for the terminator.
const MaxLineLength = 127

const delimiter = ":"

// Codec converts between wire lines and Commands for one protocol variant.
type Codec struct {
	Identifier string
	UserKey    string

	// DeviceID, when set, is required after the user key on every line.
	DeviceID byte
	// MultiDevice accepts any single character device field and records it.
	MultiDevice bool
	// Trailer appends a closing delimiter to formatted lines, as the
	// MQTT-era firmware did for login and keep-alive.
	Trailer bool
}

func DefaultCodec() Codec {
	return Codec{Identifier: "UABC", UserKey: "EGC"}
}

func (c Codec) prefix() string {
	return c.Identifier + delimiter + c.UserKey + delimiter
}

// Decode parses one line into a Command. It never inspects the comment
// beyond splitting fields, so arbitrary comment text is taken verbatim.
func (c Codec) Decode(line []byte) (Command, error) {
	line = bytes.TrimRight(line, "\r\n\x00")
	if len(line) > MaxLineLength {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
	}

	s := string(line)
	prefix := c.prefix()
	if !strings.HasPrefix(s, prefix) {
		return Command{}, fmt.Errorf("%w: %q", ErrBadPrefix, s)
	}
	rest := s[len(prefix):]

	cmd := Command{Identifier: c.Identifier, UserKey: c.UserKey}
	switch {
	case c.DeviceID != 0:
		if len(rest) < 2 || rest[0] != c.DeviceID || rest[1] != ':' {
			return Command{}, fmt.Errorf("%w: expected device %q in %q", ErrBadPrefix, c.DeviceID, s)
		}
		cmd.DeviceID = c.DeviceID
		rest = rest[2:]
	case c.MultiDevice:
		if len(rest) < 2 || rest[1] != ':' || rest[0] == ':' {
			return Command{}, fmt.Errorf("%w: missing device field in %q", ErrBadPrefix, s)
		}
		cmd.DeviceID = rest[0]
		rest = rest[2:]
	}

	fields := strings.Split(rest, delimiter)
	if n := len(fields); n > 2 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	if len(fields) < 2 || len(fields) > 4 {
		return Command{}, fmt.Errorf("%w: %d fields in %q", ErrFieldCountMismatch, len(fields), s)
	}

	if len(fields[0]) != 1 {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownOperation, fields[0])
	}
	op, ok := ParseOperation(fields[0][0])
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownOperation, fields[0])
	}
	cmd.Operation = op

	if len(fields[1]) == 1 {
		cmd.Element = Element(fields[1][0])
	}

	if op == OpWrite {
		if len(fields) > 2 {
			cmd.Value = fields[2]
		}
		if len(fields) > 3 {
			cmd.Comment = fields[3]
		}
		return cmd, nil
	}

	if op == OpRead {
		// A positional value on a read is folded into the comment with no
		// separator.
		cmd.Comment = strings.Join(fields[2:], "")
		return cmd, nil
	}

	// Login, keep-alive and message carry a single comment field; an extra
	// colon in free text is rejected rather than dropped.
	if len(fields) > 3 {
		return Command{}, fmt.Errorf("%w: %d fields in %q", ErrFieldCountMismatch, len(fields), s)
	}
	if len(fields) == 3 {
		cmd.Comment = fields[2]
	}
	return cmd, nil
}

// Format renders cmd as a wire line without a line terminator.
// A value or comment containing the delimiter cannot be decoded back and is
// rejected with ErrFieldCountMismatch.
func (c Codec) Format(cmd Command) ([]byte, error) {
	if strings.Contains(cmd.Value, delimiter) || strings.Contains(cmd.Comment, delimiter) {
		return nil, fmt.Errorf("%w: delimiter in value or comment", ErrFieldCountMismatch)
	}

	var b strings.Builder
	b.WriteString(c.prefix())

	device := cmd.DeviceID
	if device == 0 {
		device = c.DeviceID
	}
	if device != 0 {
		b.WriteByte(device)
		b.WriteString(delimiter)
	}

	b.WriteByte(byte(cmd.Operation))
	b.WriteString(delimiter)
	if cmd.Element != 0 {
		b.WriteByte(byte(cmd.Element))
	}

	if cmd.Operation == OpWrite && (cmd.Value != "" || cmd.Comment != "") {
		b.WriteString(delimiter)
		b.WriteString(cmd.Value)
	}
	if cmd.Comment != "" {
		b.WriteString(delimiter)
		b.WriteString(cmd.Comment)
	}
	if c.Trailer {
		b.WriteString(delimiter)
	}

	if b.Len() > MaxLineLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrLineTooLong, b.Len())
	}
	return []byte(b.String()), nil
}

// Login builds the session opening command sent by a device.
func (c Codec) Login(comment string) Command {
	return c.command(OpLogin, ElemServer, comment)
}

// KeepAlive builds the periodic liveness probe.
func (c Codec) KeepAlive(comment string) Command {
	return c.command(OpKeepAlive, ElemServer, comment)
}

// Message builds a free text message addressed to the server.
func (c Codec) Message(comment string) Command {
	return c.command(OpMessage, ElemServer, comment)
}

func (c Codec) command(op Operation, el Element, comment string) Command {
	return Command{
		Identifier: c.Identifier,
		UserKey:    c.UserKey,
		DeviceID:   c.DeviceID,
		Operation:  op,
		Element:    el,
		Comment:    comment,
	}
}
