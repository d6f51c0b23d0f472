package memory

import (
	"context"
	"time"

	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/pkg/store"

	"github.com/patrickmn/go-cache"
)

type SdkCacheRepository struct {
	cache *cache.Cache
}

var _ contract.SdkCacheRepository = &SdkCacheRepository{}

func NewSdkCacheRepository(ttl time.Duration) *SdkCacheRepository {
	return &SdkCacheRepository{cache: cache.New(ttl, 10*time.Minute)}
}

func (r *SdkCacheRepository) Get(_ context.Context, noteUUID string) (*store.CachedSdk, error) {
	if x, found := r.cache.Get(noteUUID); found {
		sdk := *x.(*store.CachedSdk)
		sdk.Discussion = *sdk.Discussion.Clone()
		return &sdk, nil
	}
	return nil, nil
}

func (r *SdkCacheRepository) Save(_ context.Context, sdk *store.CachedSdk) error {
	c := *sdk
	c.Discussion = *sdk.Discussion.Clone()
	r.cache.Set(sdk.NoteUUID, &c, cache.DefaultExpiration)
	return nil
}

func (r *SdkCacheRepository) Delete(_ context.Context, noteUUID string) error {
	r.cache.Delete(noteUUID)
	return nil
}
