package chat

import "encoding/json"

const (
	kindPresence = "presence"
	kindMessage  = "message"
)

// event travels between instances over the broker. Presence events carry no
// data; every instance re-reads the online set when one arrives.
type event struct {
	Kind string          `json:"kind"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
