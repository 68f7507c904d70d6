package loadgen

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the payload JSONPayloadGenerator produces.
type Event struct {
	EventID   string    `json:"event_id"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body,omitempty"`
}

// JSONPayloadGenerator produces a JSON Event with a fresh ID for every message.
type JSONPayloadGenerator struct {
	// Body is copied into every event, to control message size.
	Body string
}

// GeneratePayload implements PayloadGenerator.
func (g JSONPayloadGenerator) GeneratePayload(source *Source) ([]byte, error) {
	b, err := json.Marshal(Event{
		EventID:   uuid.NewString(),
		SourceID:  source.ID,
		Timestamp: time.Now().UTC(),
		Body:      g.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}
