package store

import "time"

const (
	ProgressSectionEvents = "events"
	ProgressSectionEnd    = "end"
)

// ProgressMessage is pushed to the capture UI while a note is rendered.
type ProgressMessage struct {
	NoteUUID string    `json:"note_uuid"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Section  string    `json:"section"`
}
