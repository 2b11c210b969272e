// Package chunkstore holds the opaque binary chunks that table items
// reference. Chunks are immutable once created and shared by pointer:
// many items (and sampled snapshots handed to callers) can reference the
// same chunk without copying its bytes.
//
// The Store deduplicates chunks by key with explicit reference counts. A
// chunk stays resident while at least one retained reference exists;
// releasing the last reference drops it from the store. Snapshots that
// hold a *Chunk directly keep its bytes alive independently of the store.
package chunkstore

import (
	"fmt"
	"sync"

	"github.com/dgryski/go-wyhash"
)

// keySeed keeps content keys stable across processes.
const keySeed = 0x9e3779b97f4a7c15

// KeyFor derives a content-addressed chunk key from data.
func KeyFor(data []byte) uint64 {
	return wyhash.Hash(data, keySeed)
}

// Chunk is an immutable binary blob identified by a 64-bit key.
type Chunk struct {
	key  uint64
	data []byte
}

// NewChunk creates a chunk with its own copy of data.
func NewChunk(key uint64, data []byte) *Chunk {
	copied := make([]byte, len(data))
	copy(copied, data)
	return &Chunk{key: key, data: copied}
}

// Key returns the chunk key.
func (c *Chunk) Key() uint64 { return c.key }

// Data returns the chunk bytes. The slice is shared; callers must not
// modify it.
func (c *Chunk) Data() []byte { return c.data }

// Size returns the chunk length in bytes.
func (c *Chunk) Size() int { return len(c.data) }

type entry struct {
	chunk *Chunk
	refs  int64
}

// Store deduplicates chunks by key with reference counting. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

// NewStore creates an empty chunk store.
func NewStore() *Store {
	return &Store{entries: make(map[uint64]*entry)}
}

// Insert retains the chunk with the given key, creating it from data if it
// is not yet resident, and returns the canonical chunk. When the key is
// already present the stored bytes win and data is ignored.
func (s *Store) Insert(key uint64, data []byte) *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{chunk: NewChunk(key, data)}
		s.entries[key] = e
	}
	e.refs++
	return e.chunk
}

// Retain increments the reference count of each chunk, adopting chunks the
// store has not seen before, and returns the canonical chunks in order.
func (s *Store) Retain(chunks ...*Chunk) []*Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		e, ok := s.entries[c.key]
		if !ok {
			e = &entry{chunk: c}
			s.entries[c.key] = e
		}
		e.refs++
		out[i] = e.chunk
	}
	return out
}

// Release decrements the reference count of each key, dropping entries
// that reach zero. Unknown keys are ignored.
func (s *Store) Release(keys ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok {
			continue
		}
		e.refs--
		if e.refs <= 0 {
			delete(s.entries, key)
		}
	}
}

// Get returns the chunks for the given keys without touching reference
// counts. Fails if any key is not resident.
func (s *Store) Get(keys []uint64) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Chunk, len(keys))
	for i, key := range keys {
		e, ok := s.entries[key]
		if !ok {
			return nil, fmt.Errorf("chunkstore: chunk %d not found", key)
		}
		out[i] = e.chunk
	}
	return out, nil
}

// Contains reports whether key is resident.
func (s *Store) Contains(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of resident chunks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
