package mapper

import (
	"encoding/json"
	"time"

	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/model"
	"ambient-scribe-be/pkg/store"

	"gorm.io/datatypes"
)

type CycleRecordMapper struct{}

func NewCycleRecordMapper() *CycleRecordMapper {
	return &CycleRecordMapper{}
}

func (m *CycleRecordMapper) ToEntity(r *model.CycleRecord) *entity.CycleRecord {
	if r == nil {
		return nil
	}
	instructions := []store.Instruction{}
	if len(r.Instructions) > 0 {
		_ = json.Unmarshal(r.Instructions, &instructions)
	}
	effects := []store.Effect{}
	if len(r.Effects) > 0 {
		_ = json.Unmarshal(r.Effects, &effects)
	}
	return &entity.CycleRecord{
		Id:           r.Id,
		NoteUUID:     r.NoteUUID,
		PatientUUID:  r.PatientUUID,
		Cycle:        r.Cycle,
		StaffId:      r.StaffId,
		Transcript:   r.Transcript,
		Instructions: instructions,
		Effects:      effects,
		Paused:       r.Paused,
		Duration:     time.Duration(r.DurationMs) * time.Millisecond,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
	}
}

func (m *CycleRecordMapper) ToModel(r *entity.CycleRecord) *model.CycleRecord {
	if r == nil {
		return nil
	}
	return &model.CycleRecord{
		Id:           r.Id,
		NoteUUID:     r.NoteUUID,
		PatientUUID:  r.PatientUUID,
		Cycle:        r.Cycle,
		StaffId:      r.StaffId,
		Transcript:   r.Transcript,
		Instructions: toJSON(r.Instructions),
		Effects:      toJSON(r.Effects),
		Paused:       r.Paused,
		DurationMs:   r.Duration.Milliseconds(),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
	}
}

func (m *CycleRecordMapper) ToEntities(records []*model.CycleRecord) []*entity.CycleRecord {
	out := make([]*entity.CycleRecord, 0, len(records))
	for _, r := range records {
		out = append(out, m.ToEntity(r))
	}
	return out
}

func toJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}
