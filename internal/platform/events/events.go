// Package events carries appointment lifecycle notifications to downstream
// consumers (reminders, billing exports, dashboards).
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the envelope published for every committed ledger change.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload"`
}

func New(eventType, resourceType, resourceID string, payload interface{}, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OccurredAt:   at.UTC(),
		Payload:      body,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("resource_id", e.ResourceID).
		RawJSON("payload", e.Payload).
		Msg("event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	evts := r.Events()
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
