package contract

import (
	"context"
	"errors"

	"ambient-scribe-be/pkg/store"
)

var (
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrTooManyRetries  = errors.New("repository: too many concurrent updates")
)

// StopAndGoRepository persists the per-note session state in the shared cache.
type StopAndGoRepository interface {
	// Get returns the stored state or a fresh one when the note was never seen.
	Get(ctx context.Context, noteUUID string) (*store.StopAndGo, error)
	// Save writes the state if nobody saved it since it was read.
	Save(ctx context.Context, sg *store.StopAndGo) error
	// Update applies fn atomically to the current state and returns the result.
	// An error from fn aborts the update and is returned as is.
	Update(ctx context.Context, noteUUID string, fn func(sg *store.StopAndGo) error) (*store.StopAndGo, error)
	Delete(ctx context.Context, noteUUID string) error
}

// DiscussionRepository is the process-local discussion cache.
type DiscussionRepository interface {
	Get(noteUUID string) (*store.Discussion, bool)
	GetOrCreate(noteUUID string) *store.Discussion
	Save(discussion *store.Discussion)
	Clear(noteUUID string)
}

// SdkCacheRepository is the shared copy of the discussion and patient context.
type SdkCacheRepository interface {
	// Get returns nil, nil when nothing is cached.
	Get(ctx context.Context, noteUUID string) (*store.CachedSdk, error)
	Save(ctx context.Context, sdk *store.CachedSdk) error
	Delete(ctx context.Context, noteUUID string) error
}
