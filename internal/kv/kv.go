// Package kv provides a small versioned key/value store with optimistic atomic batches.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyKey is returned when an operation receives an empty key.
var ErrEmptyKey = errors.New("kv: empty key")

// Entry is a stored value with its version. A missing key has Version 0.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Found reports whether the entry exists.
func (e Entry) Found() bool { return e.Version > 0 }

// Store is the storage contract shared by every backend.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Atomic starts a batch of checks and mutations applied all-or-nothing.
	Atomic() *Batch
	Close() error
}

// Check asserts that Key is at Version when the batch commits. Version 0 asserts absence.
type Check struct {
	Key     string
	Version int64
}

// Mutation is a pending write in a batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

type committer interface {
	commit(ctx context.Context, checks []Check, mutations []Mutation) (bool, error)
}

// Batch collects checks and mutations for one atomic commit.
type Batch struct {
	backend   committer
	checks    []Check
	mutations []Mutation
	err       error
}

func newBatch(backend committer) *Batch {
	return &Batch{backend: backend}
}

// Check adds a version assertion.
func (b *Batch) Check(key string, version int64) *Batch {
	if key == "" {
		b.setErr(ErrEmptyKey)
		return b
	}
	b.checks = append(b.checks, Check{Key: key, Version: version})
	return b
}

// Set adds a write.
func (b *Batch) Set(key string, value []byte) *Batch {
	if key == "" {
		b.setErr(ErrEmptyKey)
		return b
	}
	b.mutations = append(b.mutations, Mutation{Key: key, Value: value})
	return b
}

// SetJSON marshals v and adds a write. Marshal errors surface from Commit.
func (b *Batch) SetJSON(key string, v any) *Batch {
	raw, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		b.setErr(fmt.Errorf("kv: marshal %s: %w", key, errMarshal))
		return b
	}
	return b.Set(key, raw)
}

// Delete adds a removal.
func (b *Batch) Delete(key string) *Batch {
	if key == "" {
		b.setErr(ErrEmptyKey)
		return b
	}
	b.mutations = append(b.mutations, Mutation{Key: key, Delete: true})
	return b
}

// Commit applies the batch. It returns false with a nil error when a check failed
// and nothing was written.
func (b *Batch) Commit(ctx context.Context) (bool, error) {
	if b.err != nil {
		return false, b.err
	}
	if b.backend == nil {
		return false, errors.New("kv: batch has no backend")
	}
	return b.backend.commit(ctx, b.checks, b.mutations)
}

func (b *Batch) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// GetJSON loads key into dst. dst is untouched when the key is missing.
func GetJSON(ctx context.Context, s Store, key string, dst any) (Entry, error) {
	entry, errGet := s.Get(ctx, key)
	if errGet != nil {
		return Entry{}, errGet
	}
	if !entry.Found() {
		return entry, nil
	}
	if errUnmarshal := json.Unmarshal(entry.Value, dst); errUnmarshal != nil {
		return entry, fmt.Errorf("kv: decode %s: %w", key, errUnmarshal)
	}
	return entry, nil
}

// SetJSON marshals v and writes it to key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	_, errCommit := s.Atomic().SetJSON(key, v).Commit(ctx)
	return errCommit
}

// nextVersion returns a version strictly greater than previous.
func nextVersion(previous, now int64) int64 {
	if now > previous {
		return now
	}
	return previous + 1
}
