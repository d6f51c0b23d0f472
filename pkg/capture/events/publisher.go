// Package events publishes the capture lifecycle on the NATS bus.
package events

import (
	"context"
	"errors"

	"ambient-scribe-be/internal/pkg/logger"
	pkgEvents "ambient-scribe-be/pkg/events"
	"ambient-scribe-be/pkg/store"
)

// ErrNoBus is returned when effects cannot be queued because no bus is configured.
var ErrNoBus = errors.New("events: no bus configured")

// Publisher abstracts the capture events. Lifecycle events are best effort;
// EffectsReady reports failures so the caller can deliver another way.
type Publisher interface {
	PublishSessionStarted(ctx context.Context, noteUUID, patientUUID, staffId string)
	PublishCycleCompleted(ctx context.Context, noteUUID string, cycle, instructions, effects int)
	PublishEffectsReady(ctx context.Context, noteUUID string, effects []store.Effect) error
	PublishSessionPaused(ctx context.Context, noteUUID string)
	PublishSessionResumed(ctx context.Context, noteUUID string, released int)
	PublishSessionEnded(ctx context.Context, noteUUID, finalLogKey string)
	PublishSessionStuck(ctx context.Context, noteUUID string, waitingCycles []int)
}

// NatsPublisher implements Publisher on the event bus. A nil bus turns every
// lifecycle event into a no-op.
type NatsPublisher struct {
	publisher pkgEvents.Publisher
	logger    logger.ILogger
}

func NewNatsPublisher(publisher pkgEvents.Publisher, logger logger.ILogger) *NatsPublisher {
	return &NatsPublisher{
		publisher: publisher,
		logger:    logger,
	}
}

func (p *NatsPublisher) publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	if p.publisher == nil {
		return ErrNoBus
	}
	if err := p.publisher.Publish(ctx, pkgEvents.New(eventType, data)); err != nil {
		p.logger.Error("CAPTURE", "Failed to publish "+eventType+" event", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

func (p *NatsPublisher) PublishSessionStarted(ctx context.Context, noteUUID, patientUUID, staffId string) {
	_ = p.publish(ctx, pkgEvents.SessionStarted, map[string]interface{}{
		"note_uuid":    noteUUID,
		"patient_uuid": patientUUID,
		"staff_id":     staffId,
	})
}

func (p *NatsPublisher) PublishCycleCompleted(ctx context.Context, noteUUID string, cycle, instructions, effects int) {
	_ = p.publish(ctx, pkgEvents.CycleCompleted, map[string]interface{}{
		"note_uuid":    noteUUID,
		"cycle":        cycle,
		"instructions": instructions,
		"effects":      effects,
	})
}

func (p *NatsPublisher) PublishEffectsReady(ctx context.Context, noteUUID string, effects []store.Effect) error {
	return p.publish(ctx, pkgEvents.EffectsReady, map[string]interface{}{
		"note_uuid": noteUUID,
		"effects":   effects,
	})
}

func (p *NatsPublisher) PublishSessionPaused(ctx context.Context, noteUUID string) {
	_ = p.publish(ctx, pkgEvents.SessionPaused, map[string]interface{}{"note_uuid": noteUUID})
}

func (p *NatsPublisher) PublishSessionResumed(ctx context.Context, noteUUID string, released int) {
	_ = p.publish(ctx, pkgEvents.SessionResumed, map[string]interface{}{
		"note_uuid":        noteUUID,
		"released_effects": released,
	})
}

func (p *NatsPublisher) PublishSessionEnded(ctx context.Context, noteUUID, finalLogKey string) {
	_ = p.publish(ctx, pkgEvents.SessionEnded, map[string]interface{}{
		"note_uuid": noteUUID,
		"final_log": finalLogKey,
	})
}

func (p *NatsPublisher) PublishSessionStuck(ctx context.Context, noteUUID string, waitingCycles []int) {
	_ = p.publish(ctx, pkgEvents.SessionStuck, map[string]interface{}{
		"note_uuid":      noteUUID,
		"waiting_cycles": waitingCycles,
	})
}

// EffectsFromPayload decodes the effects of an EFFECTS_READY event.
func EffectsFromPayload(payload map[string]interface{}) (string, []store.Effect, error) {
	var decoded struct {
		NoteUUID string         `json:"note_uuid"`
		Effects  []store.Effect `json:"effects"`
	}
	if err := remarshal(payload, &decoded); err != nil {
		return "", nil, err
	}
	if decoded.NoteUUID == "" {
		return "", nil, errors.New("events: payload without note_uuid")
	}
	return decoded.NoteUUID, decoded.Effects, nil
}
