package implementation

import (
	"context"
	"errors"

	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/mapper"
	"ambient-scribe-be/internal/model"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/repository/specification"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CycleRecordRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.CycleRecordMapper
}

func NewCycleRecordRepository(db *gorm.DB) contract.CycleRecordRepository {
	return &CycleRecordRepositoryImpl{
		db:     db,
		mapper: mapper.NewCycleRecordMapper(),
	}
}

func (r *CycleRecordRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *CycleRecordRepositoryImpl) Upsert(ctx context.Context, record *entity.CycleRecord) error {
	m := r.mapper.ToModel(record)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "note_uuid"}, {Name: "cycle"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"transcript", "instructions", "effects", "paused", "duration_ms", "error", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return err
	}
	*record = *r.mapper.ToEntity(m)
	return nil
}

func (r *CycleRecordRepositoryImpl) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.CycleRecord, error) {
	var m model.CycleRecord
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.mapper.ToEntity(&m), nil
}

func (r *CycleRecordRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.CycleRecord, error) {
	var models []*model.CycleRecord
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToEntities(models), nil
}

func (r *CycleRecordRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.CycleRecord{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *CycleRecordRepositoryImpl) DeleteByNote(ctx context.Context, noteUUID string) error {
	return r.db.WithContext(ctx).Where("note_uuid = ?", noteUUID).Delete(&model.CycleRecord{}).Error
}
