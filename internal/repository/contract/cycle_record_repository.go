package contract

import (
	"context"

	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/repository/specification"
)

type CycleRecordRepository interface {
	// Upsert inserts the record or replaces the one of the same (note, cycle).
	Upsert(ctx context.Context, record *entity.CycleRecord) error
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.CycleRecord, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.CycleRecord, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)
	DeleteByNote(ctx context.Context, noteUUID string) error
}
