package events

import (
	"context"
	"time"
)

// Capture lifecycle event types.
const (
	SessionStarted = "SESSION_STARTED"
	CycleCompleted = "CYCLE_COMPLETED"
	EffectsReady   = "EFFECTS_READY"
	SessionPaused  = "SESSION_PAUSED"
	SessionResumed = "SESSION_RESUMED"
	SessionEnded   = "SESSION_ENDED"
	SessionStuck   = "SESSION_STUCK"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "SESSION_STARTED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Publisher is implemented by the NATS publisher and by test doubles.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// New stamps the payload with the occurrence time so consumers can recover it.
func New(eventType string, data map[string]interface{}) BaseEvent {
	now := time.Now().UTC()
	if data == nil {
		data = map[string]interface{}{}
	}
	data["occurred_at"] = now.Format(time.RFC3339Nano)
	return BaseEvent{Type: eventType, Data: data, OccurredAt: now}
}
