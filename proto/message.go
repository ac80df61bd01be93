package proto

// Command is one decoded protocol line.
//
// A zero DeviceID means the line carried no device field. Value is only
// populated for Write; every other operation folds its positional value into
// Comment.
type Command struct {
	Identifier string    `json:"identifier"`
	UserKey    string    `json:"user_key"`
	DeviceID   byte      `json:"device_id,omitempty"`
	Operation  Operation `json:"operation"`
	Element    Element   `json:"element"`
	Value      string    `json:"value,omitempty"`
	Comment    string    `json:"comment,omitempty"`
}

// HasDevice reports whether the command was addressed to a specific device.
func (c Command) HasDevice() bool {
	return c.DeviceID != 0
}

// Response is the single binary outcome a peer ever sees.
type Response struct {
	Ack      bool `json:"ack"`
	Value    int  `json:"value,omitempty"`
	HasValue bool `json:"has_value,omitempty"`
}

func Ack() Response {
	return Response{Ack: true}
}

func AckValue(n int) Response {
	return Response{Ack: true, Value: n, HasValue: true}
}

func Nack() Response {
	return Response{}
}

func (r Response) String() string {
	return string(r.Encode())
}
