package replaykit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/extensions"
	"github.com/replaykit/replaykit/ratelimiter"
	"github.com/replaykit/replaykit/storage"
	"github.com/replaykit/replaykit/table"
)

func makeTable(t *testing.T, name string, opts ...table.Option) *table.Table {
	t.Helper()
	limiter, err := ratelimiter.New(1.0, 1, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	tbl, err := table.New(name, distribution.NewUniform(), distribution.NewFIFO(), 100, 0, limiter, opts...)
	require.NoError(t, err)
	return tbl
}

func makeItem(key uint64, priority float64) table.Item {
	return table.Item{
		Key:      key,
		Priority: priority,
		Chunks:   []*chunkstore.Chunk{chunkstore.NewChunk(key*100, []byte("payload"))},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	first := makeTable(t, "first")
	second := makeTable(t, "second")
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	got, err := reg.Table("first")
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = reg.Table("third")
	require.ErrorIs(t, err, ErrTableNotFound)

	require.ErrorIs(t, reg.Register(makeTable(t, "first")), ErrTableExists)

	tables := reg.Tables()
	require.Len(t, tables, 2)
	assert.Same(t, first, tables[0])
	assert.Same(t, second, tables[1])
}

func TestCheckpointWithoutStorageFails(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Checkpoint(context.Background())
	require.Error(t, err)
}

func TestCheckpointLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	reg := NewRegistry(WithStorage(store), WithClock(clock))

	tbl := makeTable(t, "replay", table.WithClock(clock))
	require.NoError(t, reg.Register(tbl))

	shared := chunkstore.NewChunk(777, []byte("shared chunk"))
	for _, key := range []uint64{1, 3, 2} {
		item := makeItem(key, float64(key))
		item.Chunks = append(item.Chunks, shared)
		require.NoError(t, tbl.InsertOrAssign(ctx, item))
	}
	_, err := tbl.Sample(ctx)
	require.NoError(t, err)

	name, err := reg.Checkpoint(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	// Restore into a fresh registry.
	restoredReg := NewRegistry(WithStorage(store))
	require.NoError(t, restoredReg.Load(ctx, nil))

	restored, err := restoredReg.Table("replay")
	require.NoError(t, err)
	assert.EqualValues(t, 3, restored.Size())

	// Remover order survives the round trip.
	var keys []uint64
	for _, item := range restored.Copy(0) {
		keys = append(keys, item.Key)
	}
	assert.Equal(t, []uint64{1, 3, 2}, keys)

	// Rate limiter counters survive.
	rec, _ := restored.Checkpoint()
	assert.EqualValues(t, 3, rec.RateLimiter.InsertCount)
	assert.EqualValues(t, 1, rec.RateLimiter.SampleCount)

	// Chunk bytes survive, and the shared chunk is deduplicated into one
	// handle reused by every restored item.
	items := restored.Copy(0)
	require.Len(t, items[0].Chunks, 2)
	assert.Equal(t, []byte("shared chunk"), items[0].Chunks[1].Data())
	assert.Same(t, items[0].Chunks[1], items[1].Chunks[1])
}

func TestLoadReattachesExtensions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	reg := NewRegistry(WithStorage(store))
	tbl := makeTable(t, "replay")
	require.NoError(t, reg.Register(tbl))
	require.NoError(t, tbl.InsertOrAssign(ctx, makeItem(1, 1)))

	_, err := reg.Checkpoint(ctx)
	require.NoError(t, err)

	chunks := chunkstore.NewStore()
	restoredReg := NewRegistry(WithStorage(store), WithChunkStore(chunks))
	require.NoError(t, restoredReg.Load(ctx, func(name string) []table.Option {
		return []table.Option{table.WithExtensions(extensions.NewChunkRef(chunks))}
	}))

	// OnCheckpointLoaded rebuilt the chunk refs from the restored items.
	assert.Equal(t, 1, chunks.Len())
	assert.True(t, chunks.Contains(100))

	restored, err := restoredReg.Table("replay")
	require.NoError(t, err)
	require.NoError(t, restored.MutateItems(nil, []uint64{1}))
	assert.Equal(t, 0, chunks.Len())
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	reg := NewRegistry(WithStorage(storage.NewMemoryStore()))
	err := reg.Load(context.Background(), nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadReplacesAndClosesOldTables(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	reg := NewRegistry(WithStorage(store))
	old := makeTable(t, "replay")
	require.NoError(t, reg.Register(old))
	require.NoError(t, old.InsertOrAssign(ctx, makeItem(1, 1)))

	_, err := reg.Checkpoint(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.Load(ctx, nil))

	// The old instance is closed; the registry serves the restored one.
	require.ErrorIs(t, old.InsertOrAssign(ctx, makeItem(2, 1)), table.ErrClosed)
	restored, err := reg.Table("replay")
	require.NoError(t, err)
	require.NotSame(t, old, restored)
	require.NoError(t, restored.InsertOrAssign(ctx, makeItem(2, 1)))
}

func TestMultiTableCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	reg := NewRegistry(WithStorage(store), WithCodec(nil))
	for _, name := range []string{"a", "b", "c"} {
		tbl := makeTable(t, name)
		require.NoError(t, reg.Register(tbl))
		require.NoError(t, tbl.InsertOrAssign(ctx, makeItem(1, 1)))
	}

	_, err := reg.Checkpoint(ctx)
	require.NoError(t, err)

	restoredReg := NewRegistry(WithStorage(store))
	require.NoError(t, restoredReg.Load(ctx, nil))
	require.Len(t, restoredReg.Tables(), 3)
	for _, name := range []string{"a", "b", "c"} {
		tbl, err := restoredReg.Table(name)
		require.NoError(t, err)
		assert.EqualValues(t, 1, tbl.Size())
	}
}

func TestCloseRegistry(t *testing.T) {
	reg := NewRegistry()
	tbl := makeTable(t, "replay")
	require.NoError(t, reg.Register(tbl))

	reg.Close()
	require.ErrorIs(t, tbl.InsertOrAssign(context.Background(), makeItem(1, 1)), table.ErrClosed)
	require.ErrorIs(t, reg.Register(makeTable(t, "other")), ErrRegistryClosed)
	_, err := reg.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrRegistryClosed)

	// Close is idempotent.
	reg.Close()
}
