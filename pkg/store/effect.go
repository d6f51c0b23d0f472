package store

import (
	"time"

	"github.com/google/uuid"
)

// Effect is an EHR command ready to be applied to a note.
type Effect struct {
	ID              string                 `json:"id"`
	NoteUUID        string                 `json:"note_uuid"`
	InstructionUUID string                 `json:"instruction_uuid"`
	CommandType     string                 `json:"command_type"`
	Parameters      map[string]interface{} `json:"parameters"`
	Cycle           int                    `json:"cycle"`
	CreatedAt       time.Time              `json:"created_at"`
}

func NewEffect(noteUUID string, cycle int, instruction Instruction, parameters map[string]interface{}) Effect {
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	return Effect{
		ID:              uuid.New().String(),
		NoteUUID:        noteUUID,
		InstructionUUID: instruction.UUID,
		CommandType:     instruction.Instruction,
		Parameters:      parameters,
		Cycle:           cycle,
		CreatedAt:       time.Now().UTC(),
	}
}

func (e Effect) Clone() Effect {
	c := e
	if e.Parameters != nil {
		c.Parameters = make(map[string]interface{}, len(e.Parameters))
		for k, v := range e.Parameters {
			c.Parameters[k] = v
		}
	}
	return c
}
