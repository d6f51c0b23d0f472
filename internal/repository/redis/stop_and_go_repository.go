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

const (
	stopAndGoKeyPrefix = "stop_and_go:"
	maxUpdateRetries   = 10
)

// StopAndGoRepository stores the session state as JSON with optimistic
// locking through WATCH/MULTI/EXEC. The TTL is refreshed on every write.
type StopAndGoRepository struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ contract.StopAndGoRepository = &StopAndGoRepository{}

func NewStopAndGoRepository(client goredis.UniversalClient, ttl time.Duration) *StopAndGoRepository {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &StopAndGoRepository{client: client, ttl: ttl}
}

func (r *StopAndGoRepository) key(noteUUID string) string {
	return stopAndGoKeyPrefix + noteUUID
}

func (r *StopAndGoRepository) Get(ctx context.Context, noteUUID string) (*store.StopAndGo, error) {
	return r.read(ctx, r.client, noteUUID)
}

func (r *StopAndGoRepository) read(ctx context.Context, c goredis.Cmdable, noteUUID string) (*store.StopAndGo, error) {
	val, err := c.Get(ctx, r.key(noteUUID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.NewStopAndGo(noteUUID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stop and go %s: %w", noteUUID, err)
	}
	var sg store.StopAndGo
	if err := json.Unmarshal(val, &sg); err != nil {
		return nil, fmt.Errorf("decode stop and go %s: %w", noteUUID, err)
	}
	return &sg, nil
}

func (r *StopAndGoRepository) Save(ctx context.Context, sg *store.StopAndGo) error {
	key := r.key(sg.NoteUUID)
	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := r.read(ctx, tx, sg.NoteUUID)
		if err != nil {
			return err
		}
		if current.Version != sg.Version {
			return contract.ErrVersionConflict
		}
		return r.write(ctx, tx, key, sg)
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return contract.ErrVersionConflict
	}
	return err
}

func (r *StopAndGoRepository) Update(ctx context.Context, noteUUID string, fn func(sg *store.StopAndGo) error) (*store.StopAndGo, error) {
	key := r.key(noteUUID)
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var result *store.StopAndGo
		err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
			sg, err := r.read(ctx, tx, noteUUID)
			if err != nil {
				return err
			}
			if err := fn(sg); err != nil {
				return err
			}
			if err := r.write(ctx, tx, key, sg); err != nil {
				return err
			}
			result = sg
			return nil
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			// another worker wrote the key between WATCH and EXEC
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, contract.ErrTooManyRetries
}

func (r *StopAndGoRepository) write(ctx context.Context, tx *goredis.Tx, key string, sg *store.StopAndGo) error {
	next := sg.Clone()
	next.Version++
	next.Updated = time.Now().UTC()
	val, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, val, r.ttl)
		return nil
	})
	if err != nil {
		return err
	}
	sg.Version = next.Version
	sg.Updated = next.Updated
	return nil
}

func (r *StopAndGoRepository) Delete(ctx context.Context, noteUUID string) error {
	return r.client.Del(ctx, r.key(noteUUID)).Err()
}
