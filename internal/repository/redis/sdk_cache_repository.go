package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/pkg/store"

	goredis "github.com/redis/go-redis/v9"
)

const sdkKeyPrefix = "sdk:"

// SdkCacheRepository shares the discussion and patient context across workers.
type SdkCacheRepository struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ contract.SdkCacheRepository = &SdkCacheRepository{}

func NewSdkCacheRepository(client goredis.UniversalClient, ttl time.Duration) *SdkCacheRepository {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SdkCacheRepository{client: client, ttl: ttl}
}

func (r *SdkCacheRepository) Get(ctx context.Context, noteUUID string) (*store.CachedSdk, error) {
	key := sdkKeyPrefix + noteUUID
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sdk cache %s: %w", noteUUID, err)
	}
	var sdk store.CachedSdk
	if err := json.Unmarshal(val, &sdk); err != nil {
		return nil, fmt.Errorf("decode sdk cache %s: %w", noteUUID, err)
	}
	// refresh TTL on read, a failure only shortens the entry's life
	_ = r.client.Expire(ctx, key, r.ttl).Err()
	return &sdk, nil
}

func (r *SdkCacheRepository) Save(ctx context.Context, sdk *store.CachedSdk) error {
	val, err := json.Marshal(sdk)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sdkKeyPrefix+sdk.NoteUUID, val, r.ttl).Err()
}

func (r *SdkCacheRepository) Delete(ctx context.Context, noteUUID string) error {
	return r.client.Del(ctx, sdkKeyPrefix+noteUUID).Err()
}
