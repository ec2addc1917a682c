package credential

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (s *MemoryStore) get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key], nil
}

func (s *MemoryStore) set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.items, key)
		return nil
	}
	s.items[key] = value
	return nil
}

func (s *MemoryStore) Token(ctx context.Context) (string, error) {
	return s.get(ctx, keyAccessToken)
}

func (s *MemoryStore) SetToken(ctx context.Context, token string) error {
	return s.set(ctx, keyAccessToken, token)
}

func (s *MemoryStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyRefreshToken)
}

func (s *MemoryStore) SetRefreshToken(ctx context.Context, token string) error {
	return s.set(ctx, keyRefreshToken, token)
}

func (s *MemoryStore) Item(ctx context.Context, key string) (string, error) {
	if err := validateItemKey(key); err != nil {
		return "", err
	}
	return s.get(ctx, key)
}

func (s *MemoryStore) SetItem(ctx context.Context, key, value string) error {
	if err := validateItemKey(key); err != nil {
		return err
	}
	return s.set(ctx, key, value)
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]string)
	return nil
}
