// Package events publishes domain events after their transaction commits.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeSaleCreated       = "sale.created"
	TypeSaleVoided        = "sale.voided"
	TypeInventoryAdjusted = "inventory.adjusted"
	TypeShiftOpened       = "shift.opened"
	TypeShiftClosed       = "shift.closed"
)

type Event struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	StoreID   string    `json:"store_id"`
	EntityID  string    `json:"entity_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type, oldest first.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Event, 0, len(r.events))
	for _, event := range r.events {
		if event.EventType == eventType {
			result = append(result, event)
		}
	}
	return result
}
