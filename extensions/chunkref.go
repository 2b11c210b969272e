package extensions

import (
	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/table"
)

// ChunkRef keeps a chunk store's reference counts in step with the items
// of one table: chunks are retained when an item enters the table and
// released when it leaves, however it leaves (explicit delete, eviction,
// the sampling cap, or Reset). With one ChunkRef per table sharing a
// store, a chunk stays resident exactly as long as some live item
// references it.
//
// All callbacks run under the table lock, so the per-item bookkeeping
// needs no lock of its own.
type ChunkRef struct {
	table.BaseExtension

	store *chunkstore.Store

	// item key -> chunk keys retained on its behalf
	held map[uint64][]uint64
}

// NewChunkRef creates the extension around store.
func NewChunkRef(store *chunkstore.Store) *ChunkRef {
	return &ChunkRef{
		store: store,
		held:  make(map[uint64][]uint64),
	}
}

// OnInsert retains the new item's chunks.
func (e *ChunkRef) OnInsert(item *table.Item) {
	e.store.Retain(item.Chunks...)
	e.held[item.Key] = chunkKeys(item)
}

// OnUpdate swaps the retained set for the item's current chunks.
func (e *ChunkRef) OnUpdate(item *table.Item) {
	old := e.held[item.Key]
	e.store.Retain(item.Chunks...)
	e.store.Release(old...)
	e.held[item.Key] = chunkKeys(item)
}

// OnDelete releases the item's chunks.
func (e *ChunkRef) OnDelete(item *table.Item) {
	e.store.Release(e.held[item.Key]...)
	delete(e.held, item.Key)
}

// OnReset releases everything.
func (e *ChunkRef) OnReset() {
	for _, keys := range e.held {
		e.store.Release(keys...)
	}
	e.held = make(map[uint64][]uint64)
}

// BeforeUnregister releases everything still held when the table closes.
func (e *ChunkRef) BeforeUnregister(*table.Table) {
	e.OnReset()
}

// OnCheckpointLoaded rebuilds the retained set from the restored tables.
// The extension was attached at construction, before the restore replayed
// any item, so it scans its own table's current content.
func (e *ChunkRef) OnCheckpointLoaded(tables []*table.Table) {
	for _, t := range tables {
		for _, ext := range t.Extensions() {
			if ext != table.Extension(e) {
				continue
			}
			for _, item := range t.Copy(0) {
				e.store.Retain(item.Chunks...)
				e.held[item.Key] = chunkKeys(&item)
			}
			return
		}
	}
}

func chunkKeys(item *table.Item) []uint64 {
	keys := make([]uint64, len(item.Chunks))
	for i, c := range item.Chunks {
		keys[i] = c.Key()
	}
	return keys
}
