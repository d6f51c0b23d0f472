package audit

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ambient-scribe-be/pkg/blob"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleModel  = "model"
)

// Turn is one message of an LLM exchange.
type Turn struct {
	Role string   `json:"role"`
	Text []string `json:"text"`
}

// StoredTurns is a decoded llm_turns object.
type StoredTurns struct {
	Key   string
	Index int
	Turns []Turn
}

type turnCursor struct {
	instance string
	note     string
	cycle    int
	key      string
}

// turnIndexes hands out the next sequence number per (note, cycle, key).
// It is shared by every LlmTurnsStore of the process.
type turnIndexes struct {
	mu   sync.Mutex
	next map[turnCursor]int
}

var indexes = &turnIndexes{next: make(map[turnCursor]int)}

// LlmTurnsStore writes the LLM turns of one cycle under
// {instance}/llm_turns/{note}/{cycle:02d}/{key}_{index:02d}.json
type LlmTurnsStore struct {
	blobs blob.Store
	scope Scope
}

func NewLlmTurnsStore(blobs blob.Store, scope Scope) *LlmTurnsStore {
	return &LlmTurnsStore{blobs: blobs, scope: scope}
}

// Store persists the turns under the next free index of key and returns the object key.
func (s *LlmTurnsStore) Store(ctx context.Context, key string, turns []Turn) (string, error) {
	if key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("invalid turn key %q", key)
	}
	index, err := s.reserve(ctx, key)
	if err != nil {
		return "", err
	}
	objectKey := fmt.Sprintf("%s%s_%02d.json", s.scope.turnsPrefix(), key, index)
	if err := blob.PutJSON(ctx, s.blobs, objectKey, turns); err != nil {
		return "", fmt.Errorf("store llm turns: %w", err)
	}
	return objectKey, nil
}

// reserve returns the next index of key, seeding the counter from storage
// the first time the cursor is seen so a restarted worker does not overwrite.
func (s *LlmTurnsStore) reserve(ctx context.Context, key string) (int, error) {
	cursor := turnCursor{instance: s.scope.Instance, note: s.scope.Note, cycle: s.scope.Cycle, key: key}

	indexes.mu.Lock()
	defer indexes.mu.Unlock()

	next, ok := indexes.next[cursor]
	if !ok {
		infos, err := s.blobs.List(ctx, s.scope.turnsPrefix()+key+"_")
		if err != nil {
			return 0, fmt.Errorf("seed turn index: %w", err)
		}
		for _, info := range infos {
			if k, idx, ok := DecomposeKey(info.Key); ok && k == key && idx >= next {
				next = idx + 1
			}
		}
	}
	indexes.next[cursor] = next + 1
	return next, nil
}

// StoredDocuments returns every stored exchange of the cycle ordered by key then index.
func (s *LlmTurnsStore) StoredDocuments(ctx context.Context) ([]StoredTurns, error) {
	infos, err := s.blobs.List(ctx, s.scope.turnsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list llm turns: %w", err)
	}
	docs := make([]StoredTurns, 0, len(infos))
	for _, info := range infos {
		key, index, ok := DecomposeKey(info.Key)
		if !ok {
			continue
		}
		var turns []Turn
		if err := blob.GetJSON(ctx, s.blobs, info.Key, &turns); err != nil {
			return nil, err
		}
		docs = append(docs, StoredTurns{Key: key, Index: index, Turns: turns})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Key != docs[j].Key {
			return docs[i].Key < docs[j].Key
		}
		return docs[i].Index < docs[j].Index
	})
	return docs, nil
}

// DecomposeKey splits ".../{key}_{index}.json" into key and index.
func DecomposeKey(objectKey string) (string, int, bool) {
	name := strings.TrimSuffix(path.Base(objectKey), ".json")
	if name == path.Base(objectKey) {
		return "", 0, false
	}
	sep := strings.LastIndex(name, "_")
	if sep <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(name[sep+1:])
	if err != nil {
		return "", 0, false
	}
	return name[:sep], index, true
}

// ResetTurnIndexes forgets the counters of a note, e.g. when its session restarts.
func ResetTurnIndexes(note string) {
	indexes.mu.Lock()
	defer indexes.mu.Unlock()
	for cursor := range indexes.next {
		if cursor.note == note {
			delete(indexes.next, cursor)
		}
	}
}
