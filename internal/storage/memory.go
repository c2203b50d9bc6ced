package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	rows   map[string]Record
	closed bool
}

// NewMemory returns an empty process-local backend.
func NewMemory() Backend {
	return &memoryStore{rows: map[string]Record{}}
}

func (s *memoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := s.rows[key]
	return rec, ok, nil
}

func (s *memoryStore) Upsert(ctx context.Context, rec Record) error {
	return s.UpsertBatch(ctx, []Record{rec})
}

func (s *memoryStore) UpsertBatch(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, r := range recs {
		s.rows[r.Key] = stamp(r)
	}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.rows, k)
	}
	return nil
}

func (s *memoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for k := range s.rows {
		if strings.HasPrefix(k, prefix) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Record
	for k, r := range s.rows {
		if strings.HasPrefix(k, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memoryStore) ListKeysWithSuffix(ctx context.Context, suffix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []string
	for k := range s.rows {
		if strings.HasSuffix(k, suffix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
