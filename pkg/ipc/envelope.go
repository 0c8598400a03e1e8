package ipc

import "encoding/json"

// Envelope tags. Every frame on the wire is exactly one of these.
const (
	TypeRequest      = "req"
	TypeResponse     = "res"
	TypeError        = "err"
	TypeSubscription = "sub"
)

// Error taxonomy codes carried on err envelopes.
const (
	CodeProtocol  = "PROTOCOL_ERROR"
	CodeOperation = "OPERATION_ERROR"
	CodeChannel   = "CHANNEL_ERROR"
)

// Notification types carried on sub envelopes.
const (
	NoteStateUpdated          = "STATE_UPDATED"
	NoteConfirmationRequested = "CONFIRMATION_REQUESTED"
	NoteConfirmationExpired   = "CONFIRMATION_EXPIRED"
)

// Envelope is the tagged wire message. Request and response/error frames
// carry a reqId; subscription frames never do.
type Envelope struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Request is the data payload of a req envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is the data payload of a sub envelope.
type Notification struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is a structured failure that crosses the channel boundary as an
// err envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a protocol-level or operation-level error.
func Errorf(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
