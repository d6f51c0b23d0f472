package service

import (
	"context"
	"encoding/json"
	"fmt"

	"ambient-scribe-be/internal/dto"
	"ambient-scribe-be/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Renderer runs the render loop of a note.
type Renderer interface {
	Render(ctx context.Context, req *dto.RenderRequest) (*dto.RenderResponse, error)
}

// IRenderQueueService moves render requests off the HTTP path. Chunk uploads
// publish a request; the consumer calls the render loop, which itself
// decides whether this worker runs the note or just leaves it queued.
type IRenderQueueService interface {
	RequestRender(ctx context.Context, msg dto.RenderNoteMessage) error
	Consume(ctx context.Context, renderer Renderer) error
}

type renderQueueService struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topicName  string
	logger     logger.ILogger
}

func NewRenderQueueService(
	publisher message.Publisher,
	subscriber message.Subscriber,
	topicName string,
	log logger.ILogger,
) IRenderQueueService {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &renderQueueService{
		publisher:  publisher,
		subscriber: subscriber,
		topicName:  topicName,
		logger:     log,
	}
}

func (rs *renderQueueService) RequestRender(ctx context.Context, msg dto.RenderNoteMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := message.NewMessage(watermill.NewUUID(), payload)
	m.SetContext(ctx)
	if err := rs.publisher.Publish(rs.topicName, m); err != nil {
		return fmt.Errorf("publish render request: %w", err)
	}
	return nil
}

func (rs *renderQueueService) Consume(ctx context.Context, renderer Renderer) error {
	messages, err := rs.subscriber.Subscribe(ctx, rs.topicName)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			rs.processMessage(ctx, renderer, msg)
		}
	}()

	return nil
}

func (rs *renderQueueService) processMessage(ctx context.Context, renderer Renderer, msg *message.Message) {
	var payload dto.RenderNoteMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		rs.logger.Error("RenderQueue", "Failed to unmarshal render request", map[string]interface{}{
			"message_id": msg.UUID,
			"error":      err.Error(),
		})
		msg.Ack() // Ack invalid messages to prevent infinite retry
		return
	}
	if payload.NoteUUID == "" {
		msg.Ack()
		return
	}

	res, err := renderer.Render(ctx, &dto.RenderRequest{
		PatientUUID: payload.PatientUUID,
		NoteUUID:    payload.NoteUUID,
		StaffId:     payload.StaffId,
	})
	if err != nil {
		// the chunk stays in the waiting cycles, so the next request retries
		// it; redelivering here would only spin on a broken cache
		rs.logger.Error("RenderQueue", "Render failed", map[string]interface{}{
			"note_uuid": payload.NoteUUID,
			"chunk":     payload.Chunk,
			"error":     err.Error(),
		})
		msg.Ack()
		return
	}

	rs.logger.Info("RenderQueue", "Render request processed", map[string]interface{}{
		"note_uuid": payload.NoteUUID,
		"chunk":     payload.Chunk,
		"result":    res.Result,
		"cycles":    res.Cycles,
	})
	msg.Ack()
}
