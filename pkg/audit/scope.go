// Package audit keeps the per-note audit trail on object storage: every LLM
// exchange (LlmTurnsStore) and the human readable progress log (MemoryLog).
package audit

import (
	"fmt"

	"ambient-scribe-be/pkg/store"
)

// Scope locates a cycle of a note inside an EHR instance.
type Scope struct {
	Instance string
	Note     string
	Day      string // creation day of the discussion, YYYY-MM-DD
	Cycle    int
}

// ScopeOf derives the scope of the discussion's current cycle.
func ScopeOf(instance string, d *store.Discussion) Scope {
	return Scope{
		Instance: instance,
		Note:     d.NoteUUID,
		Day:      d.CreationDay(),
		Cycle:    d.Cycle,
	}
}

func (s Scope) turnsPrefix() string {
	return fmt.Sprintf("%s/llm_turns/%s/%02d/", s.Instance, s.Note, s.Cycle)
}

func (s Scope) partialsPrefix() string {
	return fmt.Sprintf("%s/partials/%s/%s/", s.Instance, s.Day, s.Note)
}

// FinalKey is where EndSession writes the concatenated log of the note.
func (s Scope) FinalKey() string {
	return fmt.Sprintf("%s/finals/%s/%s.log", s.Instance, s.Day, s.Note)
}

// AudioKey is where the raw chunk of a note is archived.
func AudioKey(instance, note string, chunk int) string {
	return fmt.Sprintf("%s/audios/%s/%03d.webm", instance, note, chunk)
}
