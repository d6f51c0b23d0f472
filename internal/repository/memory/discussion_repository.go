package memory

import (
	"sync"
	"time"

	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/pkg/store"

	"github.com/patrickmn/go-cache"
)

// DiscussionRepository keeps discussions in process memory. Every write
// refreshes the expiry, so the janitor evicts the ones whose last update is
// older than the TTL.
type DiscussionRepository struct {
	cache *cache.Cache
	mu    sync.Mutex
	now   func() time.Time
}

var _ contract.DiscussionRepository = &DiscussionRepository{}

func NewDiscussionRepository(ttl time.Duration) *DiscussionRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	// purge expired discussions every 10 minutes
	return &DiscussionRepository{
		cache: cache.New(ttl, 10*time.Minute),
		now:   time.Now,
	}
}

func (r *DiscussionRepository) Get(noteUUID string) (*store.Discussion, bool) {
	if x, found := r.cache.Get(noteUUID); found {
		return x.(*store.Discussion).Clone(), true
	}
	return nil, false
}

func (r *DiscussionRepository) GetOrCreate(noteUUID string) *store.Discussion {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, found := r.cache.Get(noteUUID); found {
		return x.(*store.Discussion).Clone()
	}
	d := store.NewDiscussion(noteUUID, r.now())
	r.cache.Set(noteUUID, d.Clone(), cache.DefaultExpiration)
	return d
}

func (r *DiscussionRepository) Save(discussion *store.Discussion) {
	r.cache.Set(discussion.NoteUUID, discussion.Clone(), cache.DefaultExpiration)
}

func (r *DiscussionRepository) Clear(noteUUID string) {
	r.cache.Delete(noteUUID)
}

// Count is the number of live discussions.
func (r *DiscussionRepository) Count() int {
	return r.cache.ItemCount()
}
