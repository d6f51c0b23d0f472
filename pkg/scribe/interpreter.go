// Package scribe turns the audio of a cycle into clinical instructions and
// the EHR command effects that implement them.
package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ambient-scribe-be/internal/constant"
	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/pkg/audit"
	"ambient-scribe-be/pkg/llm"
	"ambient-scribe-be/pkg/store"

	"github.com/google/uuid"
)

// Output caps of the two prompts; parameters are a small JSON object.
const (
	detectMaxTokens     = 2048
	parametersMaxTokens = 512
)

type Interpreter struct {
	chat        llm.LLMProvider
	transcriber llm.Transcriber
	logger      logger.ILogger
}

func NewInterpreter(chat llm.LLMProvider, transcriber llm.Transcriber, log logger.ILogger) *Interpreter {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Interpreter{chat: chat, transcriber: transcriber, logger: log}
}

// Transcribe converts one audio chunk to text and records the exchange.
func (i *Interpreter) Transcribe(ctx context.Context, turns *audit.LlmTurnsStore, audio []byte, filename string) (string, error) {
	text, err := i.transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filename, err)
	}
	text = strings.TrimSpace(text)
	i.record(ctx, turns, constant.TurnKeyTranscript, []audit.Turn{
		{Role: constant.TurnRoleUser, Text: []string{filename}},
		{Role: constant.TurnRoleModel, Text: []string{text}},
	})
	return text, nil
}

// DetectInstructions asks the LLM which instructions the transcript adds or
// changes, given what is already known. Unknown types are dropped and new
// instructions receive a fresh uuid.
func (i *Interpreter) DetectInstructions(ctx context.Context, turns *audit.LlmTurnsStore, transcript string, previous []store.Instruction, patient *store.PatientContext) ([]store.Instruction, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	known, _ := json.Marshal(orEmptyInstructions(previous))
	system := fmt.Sprintf(constant.DetectInstructionsSystemPrompt, describeTypes())
	user := fmt.Sprintf(constant.DetectInstructionsUserPrompt, known, transcript, chartOf(patient))

	answer, err := i.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, llm.WithJSONMode(), llm.WithMaxTokens(detectMaxTokens))
	if err != nil {
		return nil, fmt.Errorf("detect instructions: %w", err)
	}
	i.record(ctx, turns, constant.TurnKeyInstructions, []audit.Turn{
		{Role: constant.TurnRoleSystem, Text: []string{system}},
		{Role: constant.TurnRoleUser, Text: []string{user}},
		{Role: constant.TurnRoleModel, Text: []string{answer}},
	})

	detected, err := parseInstructions(answer)
	if err != nil {
		return nil, err
	}

	knownUUIDs := make(map[string]bool, len(previous))
	for _, p := range previous {
		knownUUIDs[p.UUID] = true
	}

	result := make([]store.Instruction, 0, len(detected))
	for _, d := range detected {
		ct, ok := Lookup(d.Instruction)
		if !ok {
			i.logger.Warn("Scribe", "Dropping unknown instruction type", map[string]interface{}{"type": d.Instruction})
			continue
		}
		d.Instruction = ct.Name
		if d.UUID == "" || !knownUUIDs[d.UUID] {
			if d.UUID == "" {
				d.UUID = uuid.New().String()
			}
			d.IsNew = true
			d.IsUpdated = false
		}
		result = append(result, d)
	}
	return result, nil
}

// CommandsFrom maps every new or updated instruction to a command effect.
// Instructions missing a required parameter are skipped.
func (i *Interpreter) CommandsFrom(ctx context.Context, turns *audit.LlmTurnsStore, note string, cycle int, instructions []store.Instruction, patient *store.PatientContext) ([]store.Effect, error) {
	effects := make([]store.Effect, 0)
	for _, instruction := range instructions {
		if !instruction.Changed() {
			continue
		}
		ct, ok := Lookup(instruction.Instruction)
		if !ok {
			continue
		}

		system := fmt.Sprintf(constant.CommandParametersSystemPrompt, ct.Name, ct.Description, ct.describeParameters())
		user := fmt.Sprintf(constant.CommandParametersUserPrompt, instruction.Information, chartOf(patient))
		answer, err := i.chat.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		}, llm.WithJSONMode(), llm.WithMaxTokens(parametersMaxTokens))
		if err != nil {
			return effects, fmt.Errorf("parameters of %s: %w", ct.Name, err)
		}
		i.record(ctx, turns, ct.Name, []audit.Turn{
			{Role: constant.TurnRoleSystem, Text: []string{system}},
			{Role: constant.TurnRoleUser, Text: []string{user}},
			{Role: constant.TurnRoleModel, Text: []string{answer}},
		})

		var params map[string]interface{}
		if err := decodeAnswer(answer, &params); err != nil {
			i.logger.Warn("Scribe", "Unreadable command parameters", map[string]interface{}{
				"type":  ct.Name,
				"error": err.Error(),
			})
			continue
		}
		params = ct.Filter(params)
		if missing, ok := ct.Complete(params); !ok {
			i.logger.Warn("Scribe", "Command skipped, missing parameter", map[string]interface{}{
				"type":      ct.Name,
				"parameter": missing,
				"uuid":      instruction.UUID,
			})
			continue
		}
		effects = append(effects, store.NewEffect(note, cycle, instruction, params))
	}
	return effects, nil
}

// record stores the exchange; audit failures never fail the cycle.
func (i *Interpreter) record(ctx context.Context, turns *audit.LlmTurnsStore, key string, exchange []audit.Turn) {
	if turns == nil {
		return
	}
	if _, err := turns.Store(ctx, key, exchange); err != nil {
		i.logger.Error("Scribe", "Failed to store llm turns", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func parseInstructions(answer string) ([]store.Instruction, error) {
	raw := []byte(extractJSON(answer))
	var wrapped struct {
		Instructions []store.Instruction `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Instructions, nil
	}
	var list []store.Instruction
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode instructions: %w", err)
	}
	return list, nil
}

func orEmptyInstructions(list []store.Instruction) []store.Instruction {
	if list == nil {
		return []store.Instruction{}
	}
	return list
}

func chartOf(patient *store.PatientContext) string {
	if patient == nil {
		return "{}"
	}
	data, err := json.Marshal(patient)
	if err != nil {
		return "{}"
	}
	return string(data)
}
