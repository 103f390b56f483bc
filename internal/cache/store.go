package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vnmchuo/genroute/internal/provider"
)

var ErrMiss = errors.New("cache miss")

type Entry struct {
	Result    provider.Result `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Hits      int64           `json:"hits"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the durable tier. Get returns ErrMiss for absent or expired keys.
// Set is an upsert.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
}

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if e.Expired(s.now()) {
		delete(s.entries, key)
		return nil, ErrMiss
	}
	e.Hits++
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	cp := *entry
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
