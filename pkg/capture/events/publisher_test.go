package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ambient-scribe-be/internal/pkg/logger"
	pkgEvents "ambient-scribe-be/pkg/events"
	"ambient-scribe-be/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	events []pkgEvents.Event
	err    error
}

func (b *recordingBus) Publish(_ context.Context, e pkgEvents.Event) error {
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, e)
	return nil
}

func TestEffectsReadyRoundTrip(t *testing.T) {
	bus := &recordingBus{}
	p := NewNatsPublisher(bus, logger.NewNopLogger())

	effect := store.Effect{ID: "e-1", NoteUUID: "n-1", CommandType: "goal", Parameters: map[string]interface{}{"goal": "walk"}}
	require.NoError(t, p.PublishEffectsReady(context.Background(), "n-1", []store.Effect{effect}))
	require.Len(t, bus.events, 1)
	assert.Equal(t, pkgEvents.EffectsReady, bus.events[0].EventType())

	// simulate the wire: JSON encode then decode into a generic map
	raw, err := json.Marshal(bus.events[0].Payload())
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	note, effects, err := EffectsFromPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "n-1", note)
	require.Len(t, effects, 1)
	assert.Equal(t, "walk", effects[0].Parameters["goal"])
}

func TestNilBus(t *testing.T) {
	p := NewNatsPublisher(nil, logger.NewNopLogger())
	assert.NotPanics(t, func() { p.PublishSessionStarted(context.Background(), "n", "p", "s") })
	assert.ErrorIs(t, p.PublishEffectsReady(context.Background(), "n", nil), ErrNoBus)
}

func TestBusFailureIsReported(t *testing.T) {
	p := NewNatsPublisher(&recordingBus{err: errors.New("down")}, logger.NewNopLogger())
	assert.Error(t, p.PublishEffectsReady(context.Background(), "n", nil))
}

func TestEffectsFromPayloadRequiresNote(t *testing.T) {
	_, _, err := EffectsFromPayload(map[string]interface{}{"effects": []interface{}{}})
	assert.Error(t, err)
}
