package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slopeside/slopeside/internal/kv"
)

// QueueKey is the key under which the serialized queue is stored.
const QueueKey = "offline.queue.v1"

// Store persists the ordered queue. Save must be atomic from the caller's
// point of view: a later Load sees the whole previous or the whole new queue.
type Store interface {
	Load(ctx context.Context) ([]QueuedAction, error)
	Save(ctx context.Context, actions []QueuedAction) error
}

// KVStore keeps the queue as a single JSON array in a key-value store.
type KVStore struct {
	kv  kv.Store
	key string
}

// NewKVStore returns a Store backed by s under QueueKey.
func NewKVStore(s kv.Store) *KVStore {
	return &KVStore{kv: s, key: QueueKey}
}

// Load returns the persisted queue in enqueue order. A missing key is an
// empty queue.
func (s *KVStore) Load(ctx context.Context) ([]QueuedAction, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load: %w", ErrStorage, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var actions []QueuedAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("%w: decode queue: %w", ErrStorage, err)
	}
	return actions, nil
}

// Save replaces the persisted queue with actions.
func (s *KVStore) Save(ctx context.Context, actions []QueuedAction) error {
	if actions == nil {
		actions = []QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("%w: encode queue: %w", ErrStorage, err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("%w: save: %w", ErrStorage, err)
	}
	return nil
}
