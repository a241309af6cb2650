package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeLogData    = "log.data"
	TypeLogWritten = "log.written"
	TypeError      = "error"
)

// Client → Server message types.
const (
	TypeLogRead        = "log.read"
	TypeLogWrite       = "log.write"
	TypeLogSubscribe   = "log.subscribe"
	TypeLogUnsubscribe = "log.unsubscribe"
)

// Error codes.
const (
	ErrNotFound         = "NOT_FOUND"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrTransferFault    = "TRANSFER_FAULT"
)

// Server → Client payloads.

// LogDataPayload carries drained bytes. Data is base64 on the wire so
// arbitrary bytes survive JSON.
type LogDataPayload struct {
	Name  string `json:"name"`
	Data  []byte `json:"data"`
	Count int    `json:"count"`
}

type LogWrittenPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type LogReadPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LogWritePayload carries base64-encoded bytes to append.
type LogWritePayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type LogNamePayload struct {
	Name string `json:"name"`
}
