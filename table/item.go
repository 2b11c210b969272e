package table

import (
	"time"

	"github.com/replaykit/replaykit/chunkstore"
)

// SequenceRange locates an item's payload inside a chunk.
type SequenceRange struct {
	ChunkKey uint64
	Offset   int32
	Length   int32
}

// Item is a keyed record stored in a table: sampling metadata plus the
// chunk handles carrying the actual payload. The table owns the record;
// chunk handles are shared with the chunk store and with sampled
// snapshots.
type Item struct {
	// Key identifies the item; unique within a table.
	Key uint64

	// Table is the name of the owning table. Set by the table on insert.
	Table string

	// Priority drives prioritized sampling and eviction.
	Priority float64

	// TimesSampled counts successful samples of this item.
	TimesSampled int32

	// InsertedAt is stamped by the table's clock on the insert path.
	InsertedAt time.Time

	// SequenceRange locates the item's payload inside its chunks.
	SequenceRange SequenceRange

	// Chunks are the shared handles to the item's payload.
	Chunks []*chunkstore.Chunk
}

// clone returns a deep copy of the metadata with the chunk handles shared.
// Mutating the table afterwards does not affect the copy.
func (it *Item) clone() Item {
	out := *it
	out.Chunks = make([]*chunkstore.Chunk, len(it.Chunks))
	copy(out.Chunks, it.Chunks)
	return out
}

// chunkKeys returns the keys of the item's chunks.
func (it *Item) chunkKeys() []uint64 {
	keys := make([]uint64, len(it.Chunks))
	for i, c := range it.Chunks {
		keys[i] = c.Key()
	}
	return keys
}

// KeyWithPriority is one priority update inside a MutateItems batch.
type KeyWithPriority struct {
	Key      uint64
	Priority float64
}

// SampledItem is the result of one Sample call: a deep snapshot of the
// item metadata with shared chunk handles, the probability under which the
// sampler selected it, and the table size at return time.
type SampledItem struct {
	Item        Item
	Probability float64
	TableSize   int64
}
