package service

import (
	"context"
	"fmt"

	"ambient-scribe-be/internal/pkg/logger"
	captureEvents "ambient-scribe-be/pkg/capture/events"
	"ambient-scribe-be/pkg/events"
	pktNats "ambient-scribe-be/pkg/nats"
	"ambient-scribe-be/pkg/store"
)

// EffectSubmitter applies effects to a note in the EHR.
type EffectSubmitter interface {
	SubmitEffects(ctx context.Context, noteUUID string, effects []store.Effect) error
}

// EventSubscriber is the part of the NATS subscriber the dispatcher needs.
type EventSubscriber interface {
	Subscribe(ctx context.Context, eventType, durableName string, handler pktNats.EventHandler) error
}

// EffectDispatchService delivers the effects released on the bus to the EHR.
// A failed delivery is returned to the subscriber, which naks the event
// for redelivery.
type EffectDispatchService struct {
	subscriber EventSubscriber
	ehr        EffectSubmitter
	topic      string
	logger     logger.ILogger
}

func NewEffectDispatchService(sub EventSubscriber, ehr EffectSubmitter, topic string, log logger.ILogger) *EffectDispatchService {
	if topic == "" {
		topic = events.EffectsReady
	}
	return &EffectDispatchService{
		subscriber: sub,
		ehr:        ehr,
		topic:      topic,
		logger:     log,
	}
}

// Start begins listening to the event bus.
func (s *EffectDispatchService) Start(ctx context.Context) error {
	if err := s.subscriber.Subscribe(ctx, s.topic, "effect-dispatcher", s.handleEvent); err != nil {
		s.logger.Error("EffectDispatch", "Failed to start effect dispatcher", map[string]interface{}{"error": err.Error()})
		return err
	}
	s.logger.Info("EffectDispatch", "Effect dispatcher started", map[string]interface{}{"topic": s.topic})
	return nil
}

func (s *EffectDispatchService) handleEvent(ctx context.Context, event events.Event) error {
	noteUUID, effects, err := captureEvents.EffectsFromPayload(event.Payload())
	if err != nil {
		// unreadable payloads would be redelivered forever
		s.logger.Error("EffectDispatch", "Dropping malformed effects event", map[string]interface{}{
			"type":  event.EventType(),
			"error": err.Error(),
		})
		return nil
	}
	if len(effects) == 0 {
		return nil
	}

	if err := s.ehr.SubmitEffects(ctx, noteUUID, effects); err != nil {
		countEffects(effects, "failed")
		return fmt.Errorf("deliver effects of %s: %w", noteUUID, err)
	}
	countEffects(effects, "delivered")
	s.logger.Info("EffectDispatch", "Effects delivered", map[string]interface{}{
		"note_uuid": noteUUID,
		"effects":   len(effects),
	})
	return nil
}
