package integration

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/model"
	"ambient-scribe-be/internal/repository/specification"
	"ambient-scribe-be/internal/repository/unitofwork"
	"ambient-scribe-be/pkg/database"
	"ambient-scribe-be/pkg/store"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormConnection(t *testing.T) {
	// Load .env from root
	err := godotenv.Load("../../.env")
	if err != nil {
		log.Println("No .env file found, using system env")
	}

	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		t.Skip("Skipping integration test: DB_CONNECTION_STRING not set")
	}

	gormDB, err := database.NewGormDBFromDSN(dsn, false)
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}
	require.NoError(t, gormDB.AutoMigrate(&model.CycleRecord{}))

	// Basic Ping
	sqlDB, _ := gormDB.DB()
	assert.NoError(t, sqlDB.Ping())

	uowFactory := unitofwork.NewRepositoryFactory(gormDB)
	ctx := context.Background()
	noteUUID := "integration-" + uuid.New().String()
	defer func() {
		_ = uowFactory.NewUnitOfWork(ctx).CycleRecordRepository().DeleteByNote(ctx, noteUUID)
	}()

	t.Run("Upsert replaces the cycle row", func(t *testing.T) {
		repo := uowFactory.NewUnitOfWork(ctx).CycleRecordRepository()
		record := &entity.CycleRecord{
			NoteUUID:    noteUUID,
			PatientUUID: "patient-1",
			Cycle:       1,
			StaffId:     "staff-1",
			Transcript:  "first try",
			Duration:    time.Second,
		}
		require.NoError(t, repo.Upsert(ctx, record))

		record.Transcript = "second try"
		record.Instructions = []store.Instruction{{UUID: "i-1", Instruction: "task", Information: "call back"}}
		require.NoError(t, repo.Upsert(ctx, record))

		count, err := repo.Count(ctx, specification.ByNoteUUID{NoteUUID: noteUUID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		got, err := repo.FindOne(ctx, specification.ByNoteUUID{NoteUUID: noteUUID})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second try", got.Transcript)
		require.Len(t, got.Instructions, 1)
		assert.Equal(t, "call back", got.Instructions[0].Information)
	})

	t.Run("Transactional history ordered by cycle", func(t *testing.T) {
		uow := uowFactory.NewUnitOfWork(ctx)
		require.NoError(t, uow.Begin(ctx))
		defer uow.Rollback()

		for _, cycle := range []int{3, 2} {
			require.NoError(t, uow.CycleRecordRepository().Upsert(ctx, &entity.CycleRecord{
				NoteUUID: noteUUID,
				Cycle:    cycle,
			}))
		}
		require.NoError(t, uow.Commit())

		records, err := uowFactory.NewUnitOfWork(ctx).CycleRecordRepository().FindAll(ctx,
			specification.ByNoteUUID{NoteUUID: noteUUID},
			specification.OrderBy{Field: "cycle"},
		)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{records[0].Cycle, records[1].Cycle, records[2].Cycle})
	})
}
