package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStore keeps entries in process memory. Intended for tests and single-process demos.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	if errCtx := ctx.Err(); errCtx != nil {
		return Entry{}, errCtx
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key}, nil
	}
	return Entry{Key: key, Value: cloneBytes(e.value), Version: e.version}, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	_, errCommit := s.Atomic().Set(key, value).Commit(ctx)
	return errCommit
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_, errCommit := s.Atomic().Delete(key).Commit(ctx)
	return errCommit
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if errCtx := ctx.Err(); errCtx != nil {
		return nil, errCtx
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Entry{Key: key, Value: cloneBytes(e.value), Version: e.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Atomic() *Batch { return newBatch(s) }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) commit(ctx context.Context, checks []Check, mutations []Mutation) (bool, error) {
	if errCtx := ctx.Err(); errCtx != nil {
		return false, errCtx
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, check := range checks {
		if s.entries[check.Key].version != check.Version {
			return false, nil
		}
	}
	now := time.Now().UnixNano()
	for _, m := range mutations {
		if m.Delete {
			delete(s.entries, m.Key)
			continue
		}
		s.entries[m.Key] = memoryEntry{
			value:   cloneBytes(m.Value),
			version: nextVersion(s.entries[m.Key].version, now),
		}
	}
	return true, nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
