package store

// Instruction is one LLM-extracted unit of clinical intent, e.g. "start
// medication X", later mapped to an EHR command.
type Instruction struct {
	UUID        string `json:"uuid"`
	Index       int    `json:"index"`
	Instruction string `json:"instruction"`
	Information string `json:"information"`
	IsNew       bool   `json:"isNew"`
	IsUpdated   bool   `json:"isUpdated"`
}

// Changed reports whether the instruction needs a command effect.
func (i Instruction) Changed() bool {
	return i.IsNew || i.IsUpdated
}

// MergeInstructions folds the instructions detected in the latest cycle into
// the ones known so far. Known instructions lose their change flags, detected
// ones replace their namesake (same UUID) or are appended.
func MergeInstructions(previous, detected []Instruction) []Instruction {
	merged := make([]Instruction, 0, len(previous)+len(detected))
	position := make(map[string]int, len(previous))
	for _, p := range previous {
		p.IsNew = false
		p.IsUpdated = false
		position[p.UUID] = len(merged)
		merged = append(merged, p)
	}
	for _, d := range detected {
		if at, ok := position[d.UUID]; ok {
			merged[at] = d
			continue
		}
		position[d.UUID] = len(merged)
		merged = append(merged, d)
	}
	for i := range merged {
		merged[i].Index = i
	}
	return merged
}
