// Package table implements the priority table: a bounded, keyed collection
// of items sampled and evicted through pluggable distributions, with a
// rate limiter coupling producers and consumers.
//
// A table owns one sampler and one remover distribution. Producers call
// InsertOrAssign, consumers call Sample; both may block on the rate
// limiter and honor context cancellation. A single mutex serializes the
// item map, both distributions, the limiter counters and the extension
// list, so every completed operation is observed atomically.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/replaykit/replaykit/checkpoint"
	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/ratelimiter"
)

// ErrClosed is returned by operations on a closed table and by blocking
// operations interrupted by Close.
var ErrClosed = errors.New("table: closed")

// MetricsObserver receives one callback per completed table operation.
// Implementations must be safe for concurrent use.
type MetricsObserver interface {
	RecordInsert(d time.Duration, err error)
	RecordSample(d time.Duration, err error)
	RecordMutate(updates, deletes int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordInsert(time.Duration, error)    {}
func (noopMetrics) RecordSample(time.Duration, error)    {}
func (noopMetrics) RecordMutate(int, int, time.Duration) {}

// Option configures a table at construction.
type Option func(*Table)

// WithClock sets the clock used for inserted-at stamps and latency
// metrics. Tests pass a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Table) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics observer. Nil disables metrics.
func WithMetrics(m MetricsObserver) Option {
	return func(t *Table) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithExtensions attaches extensions at construction, before any item
// exists. This is the only way to attach extensions to a table that will
// be filled by a checkpoint restore.
func WithExtensions(exts ...Extension) Option {
	return func(t *Table) {
		t.extensions = append(t.extensions, exts...)
	}
}

// Table is a bounded keyed collection with distribution-driven sampling
// and eviction. All methods are safe for concurrent use.
type Table struct {
	name            string
	maxSize         int64
	maxTimesSampled int32

	mu         sync.Mutex
	items      map[uint64]*Item
	sampler    distribution.Distribution
	remover    distribution.Distribution
	limiter    *ratelimiter.RateLimiter
	extensions []Extension
	closed     bool

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics MetricsObserver
}

// New creates a table. maxSize must be positive; maxTimesSampled <= 0
// means unlimited. The sampler, remover and limiter are owned by the table
// from here on and must not be shared.
func New(name string, sampler, remover distribution.Distribution, maxSize int64, maxTimesSampled int32, limiter *ratelimiter.RateLimiter, opts ...Option) (*Table, error) {
	if name == "" {
		return nil, errors.New("table: name must not be empty")
	}
	if sampler == nil || remover == nil {
		return nil, errors.New("table: sampler and remover are required")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("table: max size must be positive, got %d", maxSize)
	}
	if limiter == nil {
		return nil, errors.New("table: rate limiter is required")
	}

	t := &Table{
		name:            name,
		maxSize:         maxSize,
		maxTimesSampled: maxTimesSampled,
		items:           make(map[uint64]*Item),
		sampler:         sampler,
		remover:         remover,
		limiter:         limiter,
		clock:           clockwork.NewRealClock(),
		logger:          slog.New(slog.DiscardHandler),
		metrics:         noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	for _, ext := range t.extensions {
		ext.AfterRegister(t)
	}
	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// MaxSize returns the configured capacity.
func (t *Table) MaxSize() int64 { return t.maxSize }

// MaxTimesSampled returns the sampling cap; values <= 0 mean unlimited.
func (t *Table) MaxTimesSampled() int32 { return t.maxTimesSampled }

// Size returns the current number of items.
func (t *Table) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.items))
}

// InsertOrAssign inserts item or, when the key already exists, overwrites
// its priority, sequence range and chunks in place. Only the insert path
// consults the rate limiter and counts towards its insert counter; a
// caller that blocked on the insert gate and finds the key present on
// wake-up takes the update path without consuming insert quota.
//
// On insert the table overflows at maxSize and the remover picks exactly
// one victim after the insert completes; with a LIFO remover at capacity
// the victim can be the item just inserted, which makes the call an
// effective no-op.
//
// Blocks until admitted, ctx expires (context error, no state change) or
// the table closes (ErrClosed).
func (t *Table) InsertOrAssign(ctx context.Context, item Item) (err error) {
	start := t.clock.Now()
	defer func() { t.metrics.RecordInsert(t.clock.Since(start), err) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.items[item.Key]; ok {
		return t.updateLocked(item)
	}

	if err := t.limiter.AwaitCanInsert(ctx, &t.mu); err != nil {
		return t.translateAwait(err)
	}
	// The lock was dropped while waiting; re-check everything.
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.items[item.Key]; ok {
		// Someone inserted the key while this caller waited. Proceed as an
		// update and leave the insert quota to the next waiter.
		return t.updateLocked(item)
	}

	// Commit into the distributions before the map so a rejected priority
	// leaves no trace.
	if err := t.sampler.Insert(item.Key, item.Priority); err != nil {
		if errors.Is(err, distribution.ErrNegativePriority) {
			return err
		}
		panic(fmt.Sprintf("table %q: sampler insert of key %d: %v", t.name, item.Key, err))
	}
	if err := t.remover.Insert(item.Key, item.Priority); err != nil {
		t.mustDistDelete(t.sampler, item.Key)
		if errors.Is(err, distribution.ErrNegativePriority) {
			return err
		}
		panic(fmt.Sprintf("table %q: remover insert of key %d: %v", t.name, item.Key, err))
	}

	item.Table = t.name
	item.InsertedAt = t.clock.Now()
	stored := item.clone()
	t.items[item.Key] = &stored
	t.limiter.Insert()

	for _, ext := range t.extensions {
		ext.OnInsert(&stored)
	}

	if int64(len(t.items)) > t.maxSize {
		victim := t.remover.Sample().Key
		t.deleteLocked(victim)
		t.logger.Debug("evicted item over capacity",
			"table", t.name, "key", victim, "max_size", t.maxSize)
	}

	t.logger.Debug("inserted item", "table", t.name, "key", item.Key, "priority", item.Priority)
	return nil
}

// MutateItems atomically applies a batch of priority updates and deletes
// under a single lock acquisition. Updates and deletes of unknown keys are
// silently skipped. The rate limiter is not involved.
func (t *Table) MutateItems(updates []KeyWithPriority, deletes []uint64) error {
	start := t.clock.Now()
	defer func() { t.metrics.RecordMutate(len(updates), len(deletes), t.clock.Since(start)) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for _, u := range updates {
		it, ok := t.items[u.Key]
		if !ok {
			continue
		}
		if err := t.updatePriorityLocked(u.Key, u.Priority); err != nil {
			t.logger.Warn("skipped update with rejected priority",
				"table", t.name, "key", u.Key, "priority", u.Priority, "error", err)
			continue
		}
		it.Priority = u.Priority
		for _, ext := range t.extensions {
			ext.OnUpdate(it)
		}
	}
	for _, key := range deletes {
		if _, ok := t.items[key]; !ok {
			continue
		}
		t.deleteLocked(key)
	}
	return nil
}

// Sample blocks until the rate limiter admits a sample, then picks a key
// through the sampler, increments the item's sample count and returns a
// deep metadata snapshot with shared chunk handles. When the new count
// reaches the sampling cap the item is auto-deleted; the limiter's insert
// counter is not decremented. TableSize reflects the size after any
// auto-delete.
func (t *Table) Sample(ctx context.Context) (out SampledItem, err error) {
	start := t.clock.Now()
	defer func() { t.metrics.RecordSample(t.clock.Since(start), err) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return SampledItem{}, ErrClosed
	}
	if err := t.limiter.AwaitCanSample(ctx, &t.mu); err != nil {
		return SampledItem{}, t.translateAwait(err)
	}
	if t.closed {
		return SampledItem{}, ErrClosed
	}

	picked := t.sampler.Sample()
	it, ok := t.items[picked.Key]
	if !ok {
		panic(fmt.Sprintf("table %q: sampler returned key %d missing from item map", t.name, picked.Key))
	}

	it.TimesSampled++
	t.limiter.Sample()
	for _, ext := range t.extensions {
		ext.OnSample(it)
	}

	snapshot := it.clone()
	if t.maxTimesSampled > 0 && it.TimesSampled >= t.maxTimesSampled {
		t.deleteLocked(it.Key)
	}

	t.logger.Debug("sampled item",
		"table", t.name, "key", snapshot.Key, "times_sampled", snapshot.TimesSampled)
	return SampledItem{
		Item:        snapshot,
		Probability: picked.Probability,
		TableSize:   int64(len(t.items)),
	}, nil
}

// Get returns a snapshot of the item with the given key. It touches
// neither the rate limiter nor the sample count. Returns false on a
// missing key or a closed table.
func (t *Table) Get(key uint64) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Item{}, false
	}
	it, ok := t.items[key]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// Copy snapshots up to n items (all if n <= 0) in the remover's iteration
// order, the order a checkpoint would persist them in.
func (t *Table) Copy(n int) []Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	keys := t.remover.Keys()
	if n > 0 && n < len(keys) {
		keys = keys[:n]
	}
	out := make([]Item, 0, len(keys))
	for _, key := range keys {
		it, ok := t.items[key]
		if !ok {
			panic(fmt.Sprintf("table %q: remover key %d missing from item map", t.name, key))
		}
		out = append(out, it.clone())
	}
	return out
}

// Checkpoint captures a consistent snapshot: the table configuration, the
// rate limiter state, the sampler/remover variant tags and the items in
// remover order, together with the live chunks the items reference
// (deduplicated by key).
func (t *Table) Checkpoint() (checkpoint.Table, []*chunkstore.Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := checkpoint.Table{
		TableName:       t.name,
		MaxSize:         t.maxSize,
		MaxTimesSampled: t.maxTimesSampled,
		RateLimiter:     t.limiter.Checkpoint(),
		Sampler:         t.sampler.Options(),
		Remover:         t.remover.Options(),
	}

	var chunks []*chunkstore.Chunk
	seen := make(map[uint64]bool)
	for _, key := range t.remover.Keys() {
		it, ok := t.items[key]
		if !ok {
			panic(fmt.Sprintf("table %q: remover key %d missing from item map", t.name, key))
		}
		rec.Items = append(rec.Items, checkpoint.Item{
			Key:          it.Key,
			Priority:     it.Priority,
			TimesSampled: it.TimesSampled,
			InsertedAt:   it.InsertedAt,
			SequenceRange: checkpoint.SequenceRange{
				ChunkKey: it.SequenceRange.ChunkKey,
				Offset:   it.SequenceRange.Offset,
				Length:   it.SequenceRange.Length,
			},
			ChunkKeys: it.chunkKeys(),
		})
		for _, c := range it.Chunks {
			if !seen[c.Key()] {
				seen[c.Key()] = true
				chunks = append(chunks, c)
			}
		}
	}
	return rec, chunks
}

// Reset clears the item map, both distributions and the rate limiter
// counters, and wakes all waiters. The table stays open.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.items = make(map[uint64]*Item)
	t.sampler.Clear()
	t.remover.Clear()
	t.limiter.Reset()
	for _, ext := range t.extensions {
		ext.OnReset()
	}
	t.logger.Debug("reset table", "table", t.name)
	return nil
}

// Close marks the table closed and cancels the rate limiter; every waiter
// returns ErrClosed and no new operations are admitted. Close is
// idempotent.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.limiter.Cancel()
	for _, ext := range t.extensions {
		ext.BeforeUnregister(t)
	}
	t.logger.Debug("closed table", "table", t.name)
}

// UnsafeAddExtension attaches an extension to an empty table. Extensions
// observe the full item lifecycle and cannot be retro-fitted, so calling
// this on a non-empty table panics.
func (t *Table) UnsafeAddExtension(ext Extension) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.items) != 0 {
		panic(fmt.Sprintf("table %q: UnsafeAddExtension called with %d items present", t.name, len(t.items)))
	}
	t.extensions = append(t.extensions, ext)
	ext.AfterRegister(t)
}

// Extensions returns the attached extensions.
func (t *Table) Extensions() []Extension {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Extension, len(t.extensions))
	copy(out, t.extensions)
	return out
}

// updateLocked overwrites the stored record for an existing key: new
// priority, sequence range and chunks; the inserted-at stamp and sample
// count survive.
func (t *Table) updateLocked(item Item) error {
	it := t.items[item.Key]
	if err := t.updatePriorityLocked(item.Key, item.Priority); err != nil {
		return err
	}
	it.Priority = item.Priority
	it.SequenceRange = item.SequenceRange
	it.Chunks = make([]*chunkstore.Chunk, len(item.Chunks))
	copy(it.Chunks, item.Chunks)
	for _, ext := range t.extensions {
		ext.OnUpdate(it)
	}
	t.logger.Debug("updated item", "table", t.name, "key", item.Key, "priority", item.Priority)
	return nil
}

// updatePriorityLocked moves the key's mass in both distributions, rolling
// the sampler back if the remover rejects the priority.
func (t *Table) updatePriorityLocked(key uint64, priority float64) error {
	old := t.items[key].Priority
	if err := t.sampler.Update(key, priority); err != nil {
		if errors.Is(err, distribution.ErrNegativePriority) {
			return err
		}
		panic(fmt.Sprintf("table %q: sampler update of key %d: %v", t.name, key, err))
	}
	if err := t.remover.Update(key, priority); err != nil {
		t.mustDistUpdate(t.sampler, key, old)
		if errors.Is(err, distribution.ErrNegativePriority) {
			return err
		}
		panic(fmt.Sprintf("table %q: remover update of key %d: %v", t.name, key, err))
	}
	return nil
}

// deleteLocked removes key from the map and both distributions and fires
// OnDelete.
func (t *Table) deleteLocked(key uint64) {
	it, ok := t.items[key]
	if !ok {
		panic(fmt.Sprintf("table %q: delete of key %d missing from item map", t.name, key))
	}
	delete(t.items, key)
	t.mustDistDelete(t.sampler, key)
	t.mustDistDelete(t.remover, key)
	for _, ext := range t.extensions {
		ext.OnDelete(it)
	}
}

func (t *Table) translateAwait(err error) error {
	if errors.Is(err, ratelimiter.ErrCancelled) {
		return ErrClosed
	}
	return err
}

// The map and the distributions must always hold the same key set; a
// disagreement is a bug and recovery is not attempted.

func (t *Table) mustDistUpdate(d distribution.Distribution, key uint64, priority float64) {
	if err := d.Update(key, priority); err != nil {
		panic(fmt.Sprintf("table %q: distribution update of key %d: %v", t.name, key, err))
	}
}

func (t *Table) mustDistDelete(d distribution.Distribution, key uint64) {
	if err := d.Delete(key); err != nil {
		panic(fmt.Sprintf("table %q: distribution delete of key %d: %v", t.name, key, err))
	}
}
