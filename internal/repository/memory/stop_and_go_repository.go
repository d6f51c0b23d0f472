package memory

import (
	"context"
	"sync"
	"time"

	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/pkg/store"

	"github.com/patrickmn/go-cache"
)

// StopAndGoRepository is the single-process twin of the Redis repository,
// used when REDIS_URL is empty and in tests.
type StopAndGoRepository struct {
	cache *cache.Cache
	mu    sync.Mutex
}

var _ contract.StopAndGoRepository = &StopAndGoRepository{}

func NewStopAndGoRepository(ttl time.Duration) *StopAndGoRepository {
	return &StopAndGoRepository{cache: cache.New(ttl, 10*time.Minute)}
}

func (r *StopAndGoRepository) load(noteUUID string) *store.StopAndGo {
	if x, found := r.cache.Get(noteUUID); found {
		return x.(*store.StopAndGo).Clone()
	}
	return store.NewStopAndGo(noteUUID)
}

func (r *StopAndGoRepository) Get(_ context.Context, noteUUID string) (*store.StopAndGo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(noteUUID), nil
}

func (r *StopAndGoRepository) Save(_ context.Context, sg *store.StopAndGo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, found := r.cache.Get(sg.NoteUUID); found && x.(*store.StopAndGo).Version != sg.Version {
		return contract.ErrVersionConflict
	}
	r.store(sg)
	return nil
}

func (r *StopAndGoRepository) Update(_ context.Context, noteUUID string, fn func(sg *store.StopAndGo) error) (*store.StopAndGo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sg := r.load(noteUUID)
	if err := fn(sg); err != nil {
		return nil, err
	}
	r.store(sg)
	return sg.Clone(), nil
}

func (r *StopAndGoRepository) Delete(_ context.Context, noteUUID string) error {
	r.cache.Delete(noteUUID)
	return nil
}

func (r *StopAndGoRepository) store(sg *store.StopAndGo) {
	sg.Version++
	sg.Updated = time.Now().UTC()
	r.cache.Set(sg.NoteUUID, sg.Clone(), cache.DefaultExpiration)
}
