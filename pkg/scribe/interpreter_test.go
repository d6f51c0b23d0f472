package scribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ambient-scribe-be/pkg/audit"
	"ambient-scribe-be/pkg/blob/memory"
	"ambient-scribe-be/pkg/llm"
	"ambient-scribe-be/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM answers with the first reply whose trigger is found in the last message.
type scriptedLLM struct {
	replies map[string]string
	calls   int
	options []llm.Options
}

func (s *scriptedLLM) Chat(_ context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	s.calls++
	s.options = append(s.options, llm.Apply(llm.Options{}, opts...))
	system := history[0].Content
	for trigger, reply := range s.replies {
		if strings.Contains(system, trigger) {
			return reply, nil
		}
	}
	return "", errors.New("no scripted reply")
}

type fixedTranscriber string

func (f fixedTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return string(f), nil
}

func newTurns(t *testing.T) (*audit.LlmTurnsStore, *memory.Store) {
	t.Helper()
	blobs := memory.New()
	note := fmt.Sprintf("note-%d", time.Now().UnixNano())
	return audit.NewLlmTurnsStore(blobs, audit.Scope{Instance: "test", Note: note, Cycle: 1}), blobs
}

func TestTranscribeRecordsTurn(t *testing.T) {
	turns, _ := newTurns(t)
	i := NewInterpreter(&scriptedLLM{}, fixedTranscriber("  take ibuprofen  "), nil)

	text, err := i.Transcribe(context.Background(), turns, []byte("audio"), "001.webm")
	require.NoError(t, err)
	assert.Equal(t, "take ibuprofen", text)

	docs, err := turns.StoredDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "transcript", docs[0].Key)
}

func TestDetectInstructions(t *testing.T) {
	turns, _ := newTurns(t)
	chat := &scriptedLLM{replies: map[string]string{
		"clinical scribe": "```json\n" + `{"instructions":[
			{"uuid":"known-1","instruction":"goal","information":"walk daily, 30 minutes","isNew":false,"isUpdated":true},
			{"uuid":"","instruction":"prescription","information":"ibuprofen 400mg twice a day","isNew":true},
			{"uuid":"","instruction":"astrology","information":"??","isNew":true}
		]}` + "\n```",
	}}
	i := NewInterpreter(chat, nil, nil)

	previous := []store.Instruction{{UUID: "known-1", Instruction: "goal", Information: "walk daily"}}
	got, err := i.DetectInstructions(context.Background(), turns, "let's start ibuprofen", previous, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "known-1", got[0].UUID)
	assert.True(t, got[0].IsUpdated)
	assert.False(t, got[0].IsNew)

	assert.NotEmpty(t, got[1].UUID)
	assert.True(t, got[1].IsNew)
	assert.Equal(t, "prescription", got[1].Instruction)

	assert.True(t, chat.options[0].JSONMode)
	assert.Equal(t, detectMaxTokens, chat.options[0].MaxTokens)
}

func TestDetectInstructionsEmptyTranscriptSkipsLLM(t *testing.T) {
	chat := &scriptedLLM{}
	got, err := NewInterpreter(chat, nil, nil).DetectInstructions(context.Background(), nil, "   ", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, chat.calls)
}

func TestCommandsFrom(t *testing.T) {
	turns, _ := newTurns(t)
	chat := &scriptedLLM{replies: map[string]string{
		`"prescription" command`: `{"medication":"ibuprofen 400mg","sig":"twice a day","refills":0,"unexpected":"x"}`,
		`"task" command`:         `{"title":null}`,
	}}
	i := NewInterpreter(chat, nil, nil)

	instructions := []store.Instruction{
		{UUID: "a", Instruction: "prescription", Information: "ibuprofen", IsNew: true},
		{UUID: "b", Instruction: "task", Information: "call back", IsNew: true},
		{UUID: "c", Instruction: "goal", Information: "unchanged"},
	}
	effects, err := i.CommandsFrom(context.Background(), turns, "note-1", 2, instructions, &store.PatientContext{PatientUUID: "p"})
	require.NoError(t, err)
	require.Len(t, effects, 1)

	e := effects[0]
	assert.Equal(t, "prescription", e.CommandType)
	assert.Equal(t, "a", e.InstructionUUID)
	assert.Equal(t, 2, e.Cycle)
	assert.Equal(t, "ibuprofen 400mg", e.Parameters["medication"])
	assert.NotContains(t, e.Parameters, "unexpected")
	assert.Equal(t, 2, chat.calls)
	assert.Equal(t, parametersMaxTokens, chat.options[0].MaxTokens)

	docs, err := turns.StoredDocuments(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                      `{"a":1}`,
		"```json\n{\"a\":1}\n```":      `{"a":1}`,
		`Sure! here it is: [1,2] done`: `[1,2]`,
		`no json`:                      `no json`,
	}
	for in, want := range tests {
		assert.Equal(t, want, extractJSON(in), in)
	}
}

func TestRegistry(t *testing.T) {
	ct, ok := Lookup(" Prescription ")
	require.True(t, ok)
	assert.Equal(t, "prescription", ct.Name)

	missing, ok := ct.Complete(map[string]interface{}{"medication": "x", "sig": " "})
	assert.False(t, ok)
	assert.Equal(t, "sig", missing)

	_, ok = Lookup("unknown")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, len(CommandTypes()), 12)
}
