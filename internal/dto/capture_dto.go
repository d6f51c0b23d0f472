package dto

import (
	"time"

	"ambient-scribe-be/pkg/store"
)

type NewSessionRequest struct {
	PatientUUID string `json:"-" validate:"required"`
	NoteUUID    string `json:"-" validate:"required"`
	StaffId     string `json:"-"`
	Delay       int    `json:"delay" validate:"gte=0,lte=300"`
}

type NewSessionResponse struct {
	NoteUUID       string    `json:"note_uuid"`
	PatientUUID    string    `json:"patient_uuid"`
	Created        time.Time `json:"created"`
	PatientContext bool      `json:"patient_context"`
}

type SaveAudioChunkRequest struct {
	PatientUUID string `validate:"required"`
	NoteUUID    string `validate:"required"`
	Chunk       int    `validate:"gte=1"`
	Audio       []byte `validate:"required"`
}

type SaveAudioChunkResponse struct {
	Key           string `json:"key"`
	Accepted      bool   `json:"accepted"`
	WaitingCycles []int  `json:"waiting_cycles"`
}

type RenderRequest struct {
	PatientUUID string `json:"patient_uuid" validate:"required"`
	NoteUUID    string `json:"note_uuid" validate:"required"`
	StaffId     string `json:"staff_id"`
}

// RenderResponse.Result is one of "rendered", "queued" or "ended".
type RenderResponse struct {
	Result        string   `json:"result"`
	Cycles        []int    `json:"cycles"`
	Effects       int      `json:"effects"`
	FinalLogKey   string   `json:"final_log_key,omitempty"`
	WaitingCycles []int    `json:"waiting_cycles"`
	Errors        []string `json:"errors,omitempty"`
}

type IdleRequest struct {
	PatientUUID string `validate:"required"`
	NoteUUID    string `validate:"required"`
	Action      string `validate:"required,oneof=pause resume end"`
}

type IdleResponse struct {
	Action          string                 `json:"action"`
	ReleasedEffects int                    `json:"released_effects"`
	Finalised       bool                   `json:"finalised"`
	FinalLogKey     string                 `json:"final_log_key,omitempty"`
	Status          *SessionStatusResponse `json:"status"`
}

type SessionStatusResponse struct {
	NoteUUID        string    `json:"note_uuid"`
	IsRunning       bool      `json:"is_running"`
	IsPaused        bool      `json:"is_paused"`
	IsEnded         bool      `json:"is_ended"`
	Cycle           int       `json:"cycle"`
	WaitingCycles   []int     `json:"waiting_cycles"`
	PausedEffects   int       `json:"paused_effects"`
	Delay           int       `json:"delay"`
	DiscussionCycle int       `json:"discussion_cycle"`
	Instructions    int       `json:"instructions"`
	Updated         time.Time `json:"updated"`
}

type HistoryRequest struct {
	NoteUUID    string `json:"-" validate:"required"`
	EffectsOnly bool   `query:"effects_only"`
	Limit       int    `query:"limit" validate:"gte=0,lte=500"`
	Offset      int    `query:"offset" validate:"gte=0"`
}

type CycleHistoryResponse struct {
	Cycle        int                 `json:"cycle"`
	Transcript   string              `json:"transcript"`
	Instructions []store.Instruction `json:"instructions"`
	Effects      []store.Effect      `json:"effects"`
	Paused       bool                `json:"paused"`
	DurationMs   int64               `json:"duration_ms"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// RenderNoteMessage is queued on the render topic after each audio chunk.
type RenderNoteMessage struct {
	PatientUUID string `json:"patient_uuid"`
	NoteUUID    string `json:"note_uuid"`
	StaffId     string `json:"staff_id"`
	Chunk       int    `json:"chunk"`
}
