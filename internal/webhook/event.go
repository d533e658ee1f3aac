package webhook

import (
	"encoding/json"
	"errors"
)

// Event is the envelope every delivery shares. Data stays raw for the
// Processor to decode against the event type.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     json.RawMessage `json:"data"`
}

var errMissingEnvelope = errors.New("webhook: event id or type missing")

// Decode reads the envelope from a verified payload.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, err
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, errMissingEnvelope
	}
	return ev, nil
}
