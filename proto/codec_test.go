package proto

import (
	"errors"
	"strings"
	"testing"
)

func TestCodec_Decode_Login(t *testing.T) {
	codec := DefaultCodec()

	cmd, err := codec.Decode([]byte("UABC:EGC:L:S:Log in"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cmd.Operation != OpLogin {
		t.Errorf("Expected operation login, got %s", cmd.Operation)
	}
	if cmd.Element != ElemServer {
		t.Errorf("Expected element server, got %s", cmd.Element)
	}
	if cmd.Comment != "Log in" {
		t.Errorf("Expected comment 'Log in', got %q", cmd.Comment)
	}
	if cmd.Value != "" {
		t.Errorf("Expected no value, got %q", cmd.Value)
	}
	if cmd.HasDevice() {
		t.Error("Expected no device id")
	}
}

func TestCodec_Decode_Write(t *testing.T) {
	codec := DefaultCodec()

	cmd, err := codec.Decode([]byte("UABC:EGC:W:L:1:toggle"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cmd.Operation != OpWrite || cmd.Element != ElemLed {
		t.Errorf("Expected write led, got %s %s", cmd.Operation, cmd.Element)
	}
	if cmd.Value != "1" {
		t.Errorf("Expected value '1', got %q", cmd.Value)
	}
	if cmd.Comment != "toggle" {
		t.Errorf("Expected comment 'toggle', got %q", cmd.Comment)
	}
}

func TestCodec_Decode_ReadFoldsValueIntoComment(t *testing.T) {
	codec := DefaultCodec()

	cmd, err := codec.Decode([]byte("UABC:EGC:R:P:50:pwm please"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cmd.Value != "" {
		t.Errorf("Expected read to carry no value, got %q", cmd.Value)
	}
	if cmd.Comment != "50pwm please" {
		t.Errorf("Expected folded comment '50pwm please', got %q", cmd.Comment)
	}

	cmd, err = codec.Decode([]byte("UABC:EGC:R:A:just a note"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cmd.Comment != "just a note" {
		t.Errorf("Expected comment 'just a note', got %q", cmd.Comment)
	}
}

func TestCodec_Decode_TrailingDelimiter(t *testing.T) {
	codec := Codec{Identifier: "UABC", UserKey: "EGC", DeviceID: '1'}

	cmd, err := codec.Decode([]byte("UABC:EGC:1:L:S:Log in:\r\n"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cmd.DeviceID != '1' {
		t.Errorf("Expected device '1', got %q", cmd.DeviceID)
	}
	if cmd.Comment != "Log in" {
		t.Errorf("Expected comment 'Log in', got %q", cmd.Comment)
	}
}

func TestCodec_Decode_TrailingNul(t *testing.T) {
	codec := DefaultCodec()

	cmd, err := codec.Decode([]byte("UABC:EGC:K:S:Keep alive\x00"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cmd.Comment != "Keep alive" {
		t.Errorf("Expected comment 'Keep alive', got %q", cmd.Comment)
	}
}

func TestCodec_Decode_BadPrefix(t *testing.T) {
	codec := DefaultCodec()

	_, err := codec.Decode([]byte("XYZ:bad"))
	if !errors.Is(err, ErrBadPrefix) {
		t.Fatalf("Expected ErrBadPrefix, got %v", err)
	}
	if !IsDecodeError(err) {
		t.Error("Expected bad prefix to be a decode error")
	}
}

func TestCodec_Decode_WrongDevice(t *testing.T) {
	codec := Codec{Identifier: "UABC", UserKey: "EGC", DeviceID: '0'}

	if _, err := codec.Decode([]byte("UABC:EGC:7:L:S:Log in")); !errors.Is(err, ErrBadPrefix) {
		t.Errorf("Expected ErrBadPrefix for wrong device, got %v", err)
	}
	if _, err := codec.Decode([]byte("UABC:EGC:L:S:Log in")); !errors.Is(err, ErrBadPrefix) {
		t.Errorf("Expected ErrBadPrefix for missing device, got %v", err)
	}
}

func TestCodec_Decode_MultiDevice(t *testing.T) {
	codec := Codec{Identifier: "UABC", UserKey: "EGC", MultiDevice: true}

	cmd, err := codec.Decode([]byte("UABC:EGC:3:R:L"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cmd.DeviceID != '3' {
		t.Errorf("Expected device '3', got %q", cmd.DeviceID)
	}
	if cmd.Operation != OpRead || cmd.Element != ElemLed {
		t.Errorf("Expected read led, got %s %s", cmd.Operation, cmd.Element)
	}
}

func TestCodec_Decode_FieldCount(t *testing.T) {
	codec := DefaultCodec()

	lines := []string{
		"UABC:EGC:W",
		"UABC:EGC:",
		"UABC:EGC:W:L:1:comment:extra",
		"UABC:EGC:M:S:call me: now: please",
		"UABC:EGC:M:S:Meet at 10:30",
		"UABC:EGC:L:S:Log:in",
		"UABC:EGC:K:S:Keep:alive",
	}
	for _, line := range lines {
		if _, err := codec.Decode([]byte(line)); !errors.Is(err, ErrFieldCountMismatch) {
			t.Errorf("Expected ErrFieldCountMismatch for %q, got %v", line, err)
		}
	}
}

func TestCodec_Decode_UnknownOperation(t *testing.T) {
	codec := DefaultCodec()

	for _, line := range []string{"UABC:EGC:X:L:1", "UABC:EGC:WW:L:1", "UABC:EGC::L"} {
		if _, err := codec.Decode([]byte(line)); !errors.Is(err, ErrUnknownOperation) {
			t.Errorf("Expected ErrUnknownOperation for %q, got %v", line, err)
		}
	}
}

func TestCodec_Decode_UnknownElementIsOpaque(t *testing.T) {
	codec := DefaultCodec()

	cmd, err := codec.Decode([]byte("UABC:EGC:R:Z"))
	if err != nil {
		t.Fatalf("Expected unknown element to decode, got %v", err)
	}
	if cmd.Element != Element('Z') {
		t.Errorf("Expected opaque element 'Z', got %s", cmd.Element)
	}
	if cmd.Element.Known() {
		t.Error("Expected element 'Z' to be unknown")
	}
}

func TestCodec_Decode_TooLong(t *testing.T) {
	codec := DefaultCodec()
	line := "UABC:EGC:M:S:" + strings.Repeat("x", MaxLineLength)

	if _, err := codec.Decode([]byte(line)); !errors.Is(err, ErrLineTooLong) {
		t.Errorf("Expected ErrLineTooLong, got %v", err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codecs := []Codec{
		DefaultCodec(),
		{Identifier: "UABC", UserKey: "EGC", DeviceID: '0'},
		{Identifier: "UABC", UserKey: "EGC", DeviceID: '2', Trailer: true},
	}
	commands := []Command{
		{Operation: OpLogin, Element: ElemServer, Comment: "Log in"},
		{Operation: OpKeepAlive, Element: ElemServer, Comment: "Keep alive"},
		{Operation: OpKeepAlive, Element: ElemServer},
		{Operation: OpWrite, Element: ElemLed, Value: "1", Comment: "toggle"},
		{Operation: OpWrite, Element: ElemPwm, Value: "75"},
		{Operation: OpWrite, Element: ElemLed, Comment: "no value"},
		{Operation: OpRead, Element: ElemAdc},
		{Operation: OpRead, Element: ElemPwm, Comment: "current duty"},
		{Operation: OpMessage, Element: ElemSms, Comment: "button pressed"},
	}

	for _, codec := range codecs {
		for _, want := range commands {
			want.Identifier = codec.Identifier
			want.UserKey = codec.UserKey
			want.DeviceID = codec.DeviceID

			line, err := codec.Format(want)
			if err != nil {
				t.Fatalf("Format(%+v) failed: %v", want, err)
			}
			got, err := codec.Decode(line)
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", line, err)
			}
			if got != want {
				t.Errorf("Round trip of %q: expected %+v, got %+v", line, want, got)
			}
		}
	}
}

func TestCodec_Format(t *testing.T) {
	codec := DefaultCodec()

	line, err := codec.Format(codec.Login("Log in"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(line) != "UABC:EGC:L:S:Log in" {
		t.Errorf("Expected 'UABC:EGC:L:S:Log in', got %q", line)
	}

	trailing := Codec{Identifier: "UABC", UserKey: "EGC", DeviceID: '1', Trailer: true}
	line, err = trailing.Format(trailing.KeepAlive("Keep alive"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(line) != "UABC:EGC:1:K:S:Keep alive:" {
		t.Errorf("Expected 'UABC:EGC:1:K:S:Keep alive:', got %q", line)
	}
}

func TestCodec_Format_TooLong(t *testing.T) {
	codec := DefaultCodec()

	_, err := codec.Format(codec.Message(strings.Repeat("y", MaxLineLength)))
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("Expected ErrLineTooLong, got %v", err)
	}
}

func TestCodec_Format_RejectsDelimiter(t *testing.T) {
	codec := DefaultCodec()

	cmds := []Command{
		codec.Message("Meet at 10:30"),
		codec.Login("Log:in"),
		{Operation: OpWrite, Element: ElemLed, Value: "1:2"},
		{Operation: OpRead, Element: ElemAdc, Comment: "a:b"},
	}
	for _, cmd := range cmds {
		if _, err := codec.Format(cmd); !errors.Is(err, ErrFieldCountMismatch) {
			t.Errorf("Expected ErrFieldCountMismatch for %+v, got %v", cmd, err)
		}
	}
}
