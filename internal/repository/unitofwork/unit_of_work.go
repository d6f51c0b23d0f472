package unitofwork

import (
	"context"

	"ambient-scribe-be/internal/repository/contract"
)

type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	CycleRecordRepository() contract.CycleRecordRepository
}
