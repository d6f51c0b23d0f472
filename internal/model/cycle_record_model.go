package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CycleRecord is the durable history of one rendered cycle.
type CycleRecord struct {
	Id           uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	NoteUUID     string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_cycle_records_note_cycle"`
	PatientUUID  string         `gorm:"type:varchar(64);index"`
	Cycle        int            `gorm:"not null;uniqueIndex:idx_cycle_records_note_cycle"`
	StaffId      string         `gorm:"type:varchar(64)"`
	Transcript   string         `gorm:"type:text"`
	Instructions datatypes.JSON `gorm:"type:jsonb"`
	Effects      datatypes.JSON `gorm:"type:jsonb"`
	Paused       bool           `gorm:"not null;default:false"`
	DurationMs   int64
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (CycleRecord) TableName() string {
	return "cycle_records"
}
