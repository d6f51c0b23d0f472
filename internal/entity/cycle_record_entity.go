package entity

import (
	"time"

	"ambient-scribe-be/pkg/store"

	"github.com/google/uuid"
)

type CycleRecord struct {
	Id           uuid.UUID
	NoteUUID     string
	PatientUUID  string
	Cycle        int
	StaffId      string
	Transcript   string
	Instructions []store.Instruction
	Effects      []store.Effect
	Paused       bool
	Duration     time.Duration
	Error        string
	CreatedAt    time.Time
}
