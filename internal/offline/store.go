package offline

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when no entry exists for a key.
var ErrNotFound = errors.New("offline: cache entry not found")

// Entry is a stored response.
type Entry struct {
	URL          string      `json:"url"`
	Status       int         `json:"status"`
	Header       http.Header `json:"header,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
	StoredAt     time.Time   `json:"stored_at"`

	Body []byte `json:"-"`
}

// OK reports whether the entry holds a 2xx response. Only those are stored.
func (e *Entry) OK() bool {
	return e != nil && e.Status >= 200 && e.Status <= 299
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// Store is a set of named buckets of cached responses, keyed by URL.
// Buckets correspond to cache versions; activating a new version drops
// every other bucket.
type Store interface {
	Get(ctx context.Context, bucket, key string) (*Entry, error)
	Put(ctx context.Context, bucket, key string, e *Entry) error
	Buckets(ctx context.Context) ([]string, error)
	DropBucket(ctx context.Context, bucket string) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]*Entry)}
}

func (m *MemoryStore) Get(_ context.Context, bucket, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, bucket, key string, e *Entry) error {
	if e == nil {
		return errors.New("offline: nil entry")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]*Entry)
		m.buckets[bucket] = b
	}
	b[key] = e.clone()
	return nil
}

func (m *MemoryStore) Buckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DropBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}
