// Package push is the client end of the realtime channel: a WebSocket that
// carries presence broadcasts and new-message notifications.
package push

import (
	"context"
	"encoding/json"
)

// Event names emitted by the server.
const (
	EventOnlineUsers = "getOnlineUsers"
	EventNewMessage  = "newMessage"
)

// Envelope is the JSON frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into a frame for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Handler consumes the payload of one event. Handlers of one channel run one
// at a time, in arrival order.
type Handler func(data json.RawMessage)

// Channel is the push contract the managers depend on.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	On(event string, h Handler)
	Off(event string)
}
