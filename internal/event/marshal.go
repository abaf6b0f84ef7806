package event

import (
	"encoding/json"
	"time"
)

// Envelope is the wire form of an Event. It is the canonical shape that any
// relay of the event stream forwards.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal encodes e as an Envelope.
func Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      e.Type(),
		Timestamp: e.Timestamp(),
		Payload:   payload,
	})
}
