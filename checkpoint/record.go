// Package checkpoint defines the durable snapshot format for priority
// tables: the record types, a framed binary codec with compression and
// checksum, and a writer/loader over a storage backend.
//
// A table checkpoint carries the item metadata in remover iteration order.
// That order is significant: restoring replays inserts in this order so
// the rebuilt remover reproduces the original eviction queue.
package checkpoint

import (
	"time"

	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/ratelimiter"
)

// SequenceRange locates an item's payload inside a chunk.
type SequenceRange struct {
	ChunkKey uint64 `msgpack:"chunk_key"`
	Offset   int32  `msgpack:"offset"`
	Length   int32  `msgpack:"length"`
}

// Item is the serialized metadata of one table item. Chunk bytes live in
// separate Chunk records, referenced by key.
type Item struct {
	Key           uint64        `msgpack:"key"`
	Priority      float64       `msgpack:"priority"`
	TimesSampled  int32         `msgpack:"times_sampled"`
	InsertedAt    time.Time     `msgpack:"inserted_at"`
	SequenceRange SequenceRange `msgpack:"sequence_range"`
	ChunkKeys     []uint64      `msgpack:"chunk_keys"`
}

// Table is the checkpoint record of one priority table.
type Table struct {
	TableName       string               `msgpack:"table_name"`
	MaxSize         int64                `msgpack:"max_size"`
	MaxTimesSampled int32                `msgpack:"max_times_sampled"`
	Items           []Item               `msgpack:"items"`
	RateLimiter     ratelimiter.State    `msgpack:"rate_limiter"`
	Sampler         distribution.Options `msgpack:"sampler"`
	Remover         distribution.Options `msgpack:"remover"`
}

// Chunk is a serialized chunk payload.
type Chunk struct {
	Key  uint64 `msgpack:"key"`
	Data []byte `msgpack:"data"`
}

// Snapshot bundles every table of a registry with the chunks their items
// reference, deduplicated by key.
type Snapshot struct {
	CreatedAt time.Time `msgpack:"created_at"`
	Tables    []Table   `msgpack:"tables"`
	Chunks    []Chunk   `msgpack:"chunks"`
}
