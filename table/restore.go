package table

import (
	"fmt"

	"github.com/replaykit/replaykit/checkpoint"
	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/ratelimiter"
)

// FromCheckpoint rebuilds a table from a checkpoint record. Items are
// replayed in the record's order, which is the original remover iteration
// order, so the rebuilt remover reproduces the eviction queue; the rate
// limiter counters are restored as captured. chunks maps chunk keys to the
// restored chunk handles; every chunk key referenced by an item must be
// present.
//
// Extensions must be attached through WithExtensions here; they do not
// receive OnInsert for replayed items. Use OnCheckpointLoaded to rebuild
// extension state from the restored table.
func FromCheckpoint(rec checkpoint.Table, chunks map[uint64]*chunkstore.Chunk, opts ...Option) (*Table, error) {
	sampler, err := distribution.New(rec.Sampler)
	if err != nil {
		return nil, fmt.Errorf("table %q: restore sampler: %w", rec.TableName, err)
	}
	remover, err := distribution.New(rec.Remover)
	if err != nil {
		return nil, fmt.Errorf("table %q: restore remover: %w", rec.TableName, err)
	}
	limiter, err := ratelimiter.NewFromState(rec.RateLimiter)
	if err != nil {
		return nil, fmt.Errorf("table %q: restore rate limiter: %w", rec.TableName, err)
	}

	t, err := New(rec.TableName, sampler, remover, rec.MaxSize, rec.MaxTimesSampled, limiter, opts...)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ir := range rec.Items {
		if _, ok := t.items[ir.Key]; ok {
			return nil, fmt.Errorf("table %q: duplicate key %d in checkpoint", rec.TableName, ir.Key)
		}
		it := &Item{
			Key:          ir.Key,
			Table:        rec.TableName,
			Priority:     ir.Priority,
			TimesSampled: ir.TimesSampled,
			InsertedAt:   ir.InsertedAt,
			SequenceRange: SequenceRange{
				ChunkKey: ir.SequenceRange.ChunkKey,
				Offset:   ir.SequenceRange.Offset,
				Length:   ir.SequenceRange.Length,
			},
		}
		for _, ck := range ir.ChunkKeys {
			c, ok := chunks[ck]
			if !ok {
				return nil, fmt.Errorf("table %q: item %d references missing chunk %d", rec.TableName, ir.Key, ck)
			}
			it.Chunks = append(it.Chunks, c)
		}
		if err := sampler.Insert(ir.Key, ir.Priority); err != nil {
			return nil, fmt.Errorf("table %q: restore sampler insert of key %d: %w", rec.TableName, ir.Key, err)
		}
		if err := remover.Insert(ir.Key, ir.Priority); err != nil {
			return nil, fmt.Errorf("table %q: restore remover insert of key %d: %w", rec.TableName, ir.Key, err)
		}
		t.items[ir.Key] = it
	}
	return t, nil
}
