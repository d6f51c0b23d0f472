package store

import "time"

// Discussion carries what a note's capture session remembers between cycles.
type Discussion struct {
	NoteUUID             string        `json:"note_uuid"`
	Created              time.Time     `json:"created"`
	Updated              time.Time     `json:"updated"`
	Cycle                int           `json:"cycle"`
	PreviousInstructions []Instruction `json:"previous_instructions"`
}

func NewDiscussion(noteUUID string, now time.Time) *Discussion {
	now = now.UTC()
	return &Discussion{
		NoteUUID:             noteUUID,
		Created:              now,
		Updated:              now,
		PreviousInstructions: []Instruction{},
	}
}

func (d *Discussion) SetCycle(cycle int, now time.Time) {
	d.Cycle = cycle
	d.Updated = now.UTC()
}

func (d *Discussion) SetPreviousInstructions(instructions []Instruction, now time.Time) {
	d.PreviousInstructions = instructions
	d.Updated = now.UTC()
}

// CreationDay is the day bucket used in audit log paths.
func (d *Discussion) CreationDay() string {
	return d.Created.UTC().Format("2006-01-02")
}

func (d *Discussion) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(d.Updated) > ttl
}

func (d *Discussion) Clone() *Discussion {
	c := *d
	c.PreviousInstructions = append([]Instruction{}, d.PreviousInstructions...)
	return &c
}
