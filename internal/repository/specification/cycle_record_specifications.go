package specification

import "gorm.io/gorm"

type ByNoteUUID struct {
	NoteUUID string
}

func (s ByNoteUUID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("note_uuid = ?", s.NoteUUID)
}

type ByCycle struct {
	Cycle int
}

func (s ByCycle) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("cycle = ?", s.Cycle)
}

// WithEffectsOnly keeps the cycles that produced at least one effect.
type WithEffectsOnly struct{}

func (s WithEffectsOnly) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("jsonb_array_length(effects) > 0")
}
