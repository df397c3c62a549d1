package journal

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryBackend keeps the most recent lines of each session in process.
// A session's history expires once it has been idle for the TTL.
type MemoryBackend struct {
	mu    sync.Mutex
	cache *cache.Cache
	limit int
}

// NewMemoryBackend keeps up to limit lines per session. A ttl of zero
// never expires.
func NewMemoryBackend(ttl time.Duration, limit int) *MemoryBackend {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl / 2
	}
	return &MemoryBackend{
		cache: cache.New(expiration, cleanup),
		limit: limit,
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	if v, ok := m.cache.Get(e.Session); ok {
		entries = v.([]Entry)
	}
	entries = append(entries, e)
	if m.limit > 0 && len(entries) > m.limit {
		entries = slices.Clone(entries[len(entries)-m.limit:])
	}
	m.cache.SetDefault(e.Session, entries)
	return nil
}

// History returns a copy of the session's retained lines, oldest first.
func (m *MemoryBackend) History(_ context.Context, session string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(session)
	if !ok {
		return nil, nil
	}
	return slices.Clone(v.([]Entry)), nil
}

func (m *MemoryBackend) Close() error {
	m.cache.Flush()
	return nil
}
