package table

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/ratelimiter"
)

const waitTimeout = 250 * time.Millisecond

func makeItem(key uint64, priority float64) Item {
	data := []byte(fmt.Sprintf("chunk-%d", key))
	return Item{
		Key:      key,
		Priority: priority,
		SequenceRange: SequenceRange{
			ChunkKey: key * 100,
			Offset:   0,
			Length:   1,
		},
		Chunks: []*chunkstore.Chunk{chunkstore.NewChunk(key*100, data)},
	}
}

func makeLimiter(t *testing.T, minSize int64) *ratelimiter.RateLimiter {
	t.Helper()
	r, err := ratelimiter.New(1.0, minSize, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	return r
}

func makeUniformTable(t *testing.T, name string, maxSize int64, maxTimesSampled int32, opts ...Option) *Table {
	t.Helper()
	tbl, err := New(name, distribution.NewUniform(), distribution.NewFIFO(),
		maxSize, maxTimesSampled, makeLimiter(t, 1), opts...)
	require.NoError(t, err)
	return tbl
}

func mustInsert(t *testing.T, tbl *Table, item Item) {
	t.Helper()
	require.NoError(t, tbl.InsertOrAssign(context.Background(), item))
}

// runAsync runs fn in a goroutine and returns a channel carrying its error.
func runAsync(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func assertBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("expected call to block, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertUnblocked(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("expected call to unblock")
		return nil
	}
}

func TestNewValidation(t *testing.T) {
	lim := makeLimiter(t, 1)
	_, err := New("", distribution.NewUniform(), distribution.NewFIFO(), 10, 0, lim)
	require.Error(t, err)
	_, err = New("t", nil, distribution.NewFIFO(), 10, 0, lim)
	require.Error(t, err)
	_, err = New("t", distribution.NewUniform(), distribution.NewFIFO(), 0, 0, lim)
	require.Error(t, err)
	_, err = New("t", distribution.NewUniform(), distribution.NewFIFO(), 10, 0, nil)
	require.Error(t, err)
}

func TestSetsName(t *testing.T) {
	first := makeUniformTable(t, "first", 1000, 0)
	second := makeUniformTable(t, "second", 1000, 0)
	assert.Equal(t, "first", first.Name())
	assert.Equal(t, "second", second.Name())
}

func TestCopyAfterInsert(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))

	items := tbl.Copy(0)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(3), items[0].Key)
	assert.Equal(t, float64(123), items[0].Priority)
	assert.EqualValues(t, 0, items[0].TimesSampled)
	assert.Equal(t, "dist", items[0].Table)
}

func TestCopySubset(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))
	mustInsert(t, tbl, makeItem(4, 123))
	mustInsert(t, tbl, makeItem(5, 123))

	assert.Len(t, tbl.Copy(1), 1)
	assert.Len(t, tbl.Copy(2), 2)
	assert.Len(t, tbl.Copy(0), 3)
}

func TestInsertOrAssignOverwrites(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))
	mustInsert(t, tbl, makeItem(3, 456))

	items := tbl.Copy(0)
	require.Len(t, items, 1)
	assert.Equal(t, float64(456), items[0].Priority)

	// Updates do not consume insert quota.
	rec, _ := tbl.Checkpoint()
	assert.EqualValues(t, 1, rec.RateLimiter.InsertCount)
}

func TestUpdatePreservesInsertedAtAndTimesSampled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := makeUniformTable(t, "dist", 1000, 0, WithClock(clock))

	mustInsert(t, tbl, makeItem(3, 123))
	first, ok := tbl.Get(3)
	require.True(t, ok)

	_, err := tbl.Sample(context.Background())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	mustInsert(t, tbl, makeItem(3, 456))

	got, ok := tbl.Get(3)
	require.True(t, ok)
	assert.Equal(t, first.InsertedAt, got.InsertedAt)
	assert.EqualValues(t, 1, got.TimesSampled)
	assert.Equal(t, float64(456), got.Priority)
}

func TestMutateItemsAppliesUpdatesPartially(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))

	require.NoError(t, tbl.MutateItems([]KeyWithPriority{{Key: 5, Priority: 55}, {Key: 3, Priority: 456}}, nil))

	items := tbl.Copy(0)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(3), items[0].Key)
	assert.Equal(t, float64(456), items[0].Priority)
	_, ok := tbl.Get(5)
	assert.False(t, ok)
}

func TestMutateItemsAppliesDeletesPartially(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))
	mustInsert(t, tbl, makeItem(7, 456))

	require.NoError(t, tbl.MutateItems(nil, []uint64{5, 3}))

	items := tbl.Copy(0)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(7), items[0].Key)
}

func TestMutateItemsIsIdempotent(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))

	for i := 0; i < 2; i++ {
		require.NoError(t, tbl.MutateItems([]KeyWithPriority{{Key: 3, Priority: 9}}, nil))
	}
	got, ok := tbl.Get(3)
	require.True(t, ok)
	assert.Equal(t, float64(9), got.Priority)

	for i := 0; i < 2; i++ {
		require.NoError(t, tbl.MutateItems(nil, []uint64{3}))
	}
	assert.EqualValues(t, 0, tbl.Size())
}

func TestSampleBlocksWhenNotEnoughItems(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)

	done := runAsync(func() error {
		_, err := tbl.Sample(context.Background())
		return err
	})
	assertBlocked(t, done)

	// Inserting an item allows the sample to complete.
	mustInsert(t, tbl, makeItem(3, 123))
	require.NoError(t, assertUnblocked(t, done))
}

func TestSampleMatchesInsert(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	item := makeItem(3, 123)
	mustInsert(t, tbl, item)

	sample, err := tbl.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(3), sample.Item.Key)
	assert.Equal(t, float64(123), sample.Item.Priority)
	assert.EqualValues(t, 1, sample.Item.TimesSampled)
	assert.Equal(t, "dist", sample.Item.Table)
	assert.False(t, sample.Item.InsertedAt.IsZero())
	assert.Equal(t, 1.0, sample.Probability)
	require.Len(t, sample.Item.Chunks, 1)
	assert.Same(t, item.Chunks[0], sample.Item.Chunks[0])
}

func TestSampleIsASnapshot(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))

	sample, err := tbl.Sample(context.Background())
	require.NoError(t, err)

	// Later table mutations must not leak into the returned snapshot.
	require.NoError(t, tbl.MutateItems([]KeyWithPriority{{Key: 3, Priority: 999}}, nil))
	assert.Equal(t, float64(123), sample.Item.Priority)
}

func TestSampleIncrementsTimesSampled(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(3, 123))

	assert.EqualValues(t, 0, tbl.Copy(0)[0].TimesSampled)
	_, err := tbl.Sample(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, tbl.Copy(0)[0].TimesSampled)
	_, err = tbl.Sample(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, tbl.Copy(0)[0].TimesSampled)
}

func TestMaxTimesSampledIsRespected(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 10, 2)
	mustInsert(t, tbl, makeItem(3, 123))

	first, err := tbl.Sample(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Item.TimesSampled)
	assert.EqualValues(t, 1, first.TableSize)

	second, err := tbl.Sample(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Item.TimesSampled)
	assert.EqualValues(t, 0, second.TableSize)
	assert.EqualValues(t, 0, tbl.Size())
}

func TestInsertDeletesWhenOverflowing(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 10, 0)

	for i := uint64(0); i < 15; i++ {
		mustInsert(t, tbl, makeItem(i, 123))
	}
	items := tbl.Copy(0)
	require.Len(t, items, 10)
	// FIFO remover: the five oldest keys were evicted.
	keys := make([]uint64, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, keys)
}

func TestConcurrentCalls(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)

	var wg sync.WaitGroup
	var count atomic.Int64
	for i := uint64(0); i < 100; i++ {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			assert.NoError(t, tbl.InsertOrAssign(context.Background(), makeItem(key, 123)))
			_, err := tbl.Sample(context.Background())
			assert.NoError(t, err)
			assert.NoError(t, tbl.MutateItems([]KeyWithPriority{{Key: key, Priority: 456}}, []uint64{key}))
			count.Add(1)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 100, count.Load())
}

func TestUseAsQueue(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, 0, 10)
	require.NoError(t, err)
	queue, err := New("queue", distribution.NewFIFO(), distribution.NewFIFO(), 10, 1, limiter)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		mustInsert(t, queue, makeItem(i, 123))
	}

	// The queue is full; an 11th insert blocks.
	insertDone := runAsync(func() error {
		return queue.InsertOrAssign(context.Background(), makeItem(10, 123))
	})
	assertBlocked(t, insertDone)

	// Draining yields FIFO order, including the blocked insert's item.
	for i := uint64(0); i < 11; i++ {
		sample, err := queue.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, sample.Item.Key)
	}
	require.NoError(t, assertUnblocked(t, insertDone))
	assert.EqualValues(t, 0, queue.Size())

	// Sampling an empty queue blocks until the next insert.
	sampleDone := runAsync(func() error {
		sample, err := queue.Sample(context.Background())
		if err == nil {
			assert.Equal(t, uint64(100), sample.Item.Key)
		}
		return err
	})
	assertBlocked(t, sampleDone)

	mustInsert(t, queue, makeItem(100, 123))
	require.NoError(t, assertUnblocked(t, sampleDone))
	assert.EqualValues(t, 0, queue.Size())
}

func TestInsertBlocksUntilSample(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, -1, 1)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 1000, 0, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 123))

	done := runAsync(func() error {
		return tbl.InsertOrAssign(context.Background(), makeItem(10, 123))
	})
	assertBlocked(t, done)

	_, err = tbl.Sample(context.Background())
	require.NoError(t, err)
	require.NoError(t, assertUnblocked(t, done))
}

func TestConcurrentInsertOfTheSameKey(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, -1, 1)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 1000, 0, limiter)
	require.NoError(t, err)

	// One insert makes further inserts block.
	mustInsert(t, tbl, makeItem(1, 123))

	var wg sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tbl.InsertOrAssign(context.Background(), makeItem(10, 123)))
			count.Add(1)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, count.Load())

	// The first sample admits one real insert. The second admits the rest:
	// each waiter wakes, finds the key present and completes as an update
	// without consuming insert quota.
	_, err = tbl.Sample(context.Background())
	require.NoError(t, err)
	_, err = tbl.Sample(context.Background())
	require.NoError(t, err)

	wg.Wait()
	assert.EqualValues(t, 10, count.Load())
	assert.EqualValues(t, 2, tbl.Size())
}

func TestCloseCancelsPendingCalls(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, -1, 1)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 1000, 0, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 123))

	done := runAsync(func() error {
		return tbl.InsertOrAssign(context.Background(), makeItem(10, 123))
	})
	assertBlocked(t, done)

	tbl.Close()
	require.ErrorIs(t, assertUnblocked(t, done), ErrClosed)

	// Operations after close fail immediately.
	require.ErrorIs(t, tbl.InsertOrAssign(context.Background(), makeItem(11, 1)), ErrClosed)
	_, err = tbl.Sample(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, tbl.MutateItems(nil, nil), ErrClosed)
	require.ErrorIs(t, tbl.Reset(), ErrClosed)
}

func TestInsertDeadlineExceeded(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, -1, 1)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 1000, 0, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 123))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = tbl.InsertOrAssign(ctx, makeItem(10, 123))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Timeout leaves no trace.
	assert.EqualValues(t, 1, tbl.Size())
	rec, _ := tbl.Checkpoint()
	assert.EqualValues(t, 1, rec.RateLimiter.InsertCount)
}

func TestResetResetsRateLimiter(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 1, -1, 1)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 1000, 0, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 123))

	done := runAsync(func() error {
		return tbl.InsertOrAssign(context.Background(), makeItem(10, 123))
	})
	assertBlocked(t, done)

	require.NoError(t, tbl.Reset())
	require.NoError(t, assertUnblocked(t, done))
}

func TestResetClearsAllData(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(1, 123))
	assert.EqualValues(t, 1, tbl.Size())

	require.NoError(t, tbl.Reset())
	assert.EqualValues(t, 0, tbl.Size())

	// Reset after Reset is a no-op.
	require.NoError(t, tbl.Reset())
	assert.EqualValues(t, 0, tbl.Size())

	rec, _ := tbl.Checkpoint()
	assert.EqualValues(t, 0, rec.RateLimiter.InsertCount)
	assert.EqualValues(t, 0, rec.RateLimiter.SampleCount)
}

func TestResetWhileConcurrentCalls(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)

	var wg sync.WaitGroup
	for i := uint64(0); i < 100; i++ {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			if key%23 == 0 {
				assert.NoError(t, tbl.Reset())
			}
			assert.NoError(t, tbl.InsertOrAssign(context.Background(), makeItem(key, 123)))
			assert.NoError(t, tbl.MutateItems([]KeyWithPriority{{Key: key, Priority: 456}}, []uint64{key}))
		}(i)
	}
	wg.Wait()
}

func TestCheckpointOrdersItemsByRemover(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)

	mustInsert(t, tbl, makeItem(1, 123))
	mustInsert(t, tbl, makeItem(3, 125))
	mustInsert(t, tbl, makeItem(2, 124))

	rec, _ := tbl.Checkpoint()
	require.Len(t, rec.Items, 3)
	assert.Equal(t, uint64(1), rec.Items[0].Key)
	assert.Equal(t, uint64(3), rec.Items[1].Key)
	assert.Equal(t, uint64(2), rec.Items[2].Key)
}

func TestCheckpointSanityCheck(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 3, -10, 7)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewFIFO(), 10, 1, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 123))

	rec, chunks := tbl.Checkpoint()
	assert.Equal(t, "dist", rec.TableName)
	assert.EqualValues(t, 10, rec.MaxSize)
	assert.EqualValues(t, 1, rec.MaxTimesSampled)
	require.Len(t, rec.Items, 1)
	assert.Equal(t, uint64(1), rec.Items[0].Key)
	assert.Equal(t, ratelimiter.State{
		SamplesPerInsert: 1.0,
		MinSizeToSample:  3,
		MinDiff:          -10,
		MaxDiff:          7,
		SampleCount:      0,
		InsertCount:      1,
	}, rec.RateLimiter)
	assert.Equal(t, distribution.Options{Uniform: true}, rec.Sampler)
	assert.Equal(t, distribution.Options{Fifo: true}, rec.Remover)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(100), chunks[0].Key())
}

func TestBlocksSamplesWhenQuotaExhausted(t *testing.T) {
	limiter, err := ratelimiter.New(1.0, 3, 0, 5)
	require.NoError(t, err)
	tbl, err := New("dist", distribution.NewFIFO(), distribution.NewFIFO(), 10, 2, limiter)
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 1))
	mustInsert(t, tbl, makeItem(2, 1))
	mustInsert(t, tbl, makeItem(3, 1))

	// Three samples are covered by the three inserts. The first two hit
	// item 1, which is then auto-deleted at its sampling cap.
	for _, want := range []uint64{1, 1, 2} {
		sample, err := tbl.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, sample.Item.Key)
	}

	// The fourth sample exceeds the window and blocks until a new insert
	// arrives.
	done := runAsync(func() error {
		_, err := tbl.Sample(context.Background())
		return err
	})
	assertBlocked(t, done)

	mustInsert(t, tbl, makeItem(4, 1))
	require.NoError(t, assertUnblocked(t, done))
}

func TestGetExistingItem(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(1, 1))
	mustInsert(t, tbl, makeItem(2, 1))
	mustInsert(t, tbl, makeItem(3, 1))

	item, ok := tbl.Get(2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), item.Key)
}

func TestGetMissingItem(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(1, 1))
	mustInsert(t, tbl, makeItem(3, 1))

	_, ok := tbl.Get(2)
	assert.False(t, ok)
}

func TestSampleSetsTableSize(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)

	for i := uint64(1); i <= 10; i++ {
		mustInsert(t, tbl, makeItem(i, 1))
		sample, err := tbl.Sample(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, i, sample.TableSize)
	}
}

func TestNegativePriorityRejectedByPrioritizedSampler(t *testing.T) {
	sampler, err := distribution.NewPrioritized(1)
	require.NoError(t, err)
	tbl, err := New("dist", sampler, distribution.NewFIFO(), 10, 0, makeLimiter(t, 1))
	require.NoError(t, err)

	err = tbl.InsertOrAssign(context.Background(), makeItem(1, -5))
	require.ErrorIs(t, err, distribution.ErrNegativePriority)
	assert.EqualValues(t, 0, tbl.Size())

	// The failed insert consumed no quota and left the table consistent.
	mustInsert(t, tbl, makeItem(1, 5))
	rec, _ := tbl.Checkpoint()
	assert.EqualValues(t, 1, rec.RateLimiter.InsertCount)
}

func TestUnsafeAddExtensionPanicsWhenNonEmpty(t *testing.T) {
	tbl := makeUniformTable(t, "dist", 1000, 0)
	mustInsert(t, tbl, makeItem(1, 1))
	assert.Panics(t, func() { tbl.UnsafeAddExtension(BaseExtension{}) })
}

func TestLifoRemoverEvictsFreshInsertAtCapacity(t *testing.T) {
	tbl, err := New("dist", distribution.NewUniform(), distribution.NewLIFO(), 2, 0, makeLimiter(t, 1))
	require.NoError(t, err)

	mustInsert(t, tbl, makeItem(1, 1))
	mustInsert(t, tbl, makeItem(2, 1))
	// At capacity the LIFO remover picks the newest item, which is the one
	// just inserted; the insert is an effective no-op.
	mustInsert(t, tbl, makeItem(3, 1))

	assert.EqualValues(t, 2, tbl.Size())
	_, ok := tbl.Get(3)
	assert.False(t, ok)
	_, ok = tbl.Get(1)
	assert.True(t, ok)
}
