package replaykit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/replaykit/replaykit/checkpoint"
	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/storage"
	"github.com/replaykit/replaykit/table"
)

// Registry is a named set of priority tables sharing one chunk store and
// one checkpoint destination. It checkpoints all tables into a single
// consistent artifact and restores them from the latest one.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*table.Table
	order  []string
	closed bool

	chunks *chunkstore.Store
	store  storage.Store
	codec  checkpoint.Codec
	opts   registryOptions
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...RegistryOption) *Registry {
	o := applyRegistryOptions(optFns)
	return &Registry{
		tables: make(map[string]*table.Table),
		chunks: o.chunks,
		store:  o.store,
		codec:  o.codec,
		opts:   o,
	}
}

// Register adds a table under its name.
func (r *Registry) Register(t *table.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.tables[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, t.Name())
	}
	r.tables[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Table returns the table registered under name.
func (r *Registry) Table(name string) (*table.Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Tables returns all tables in registration order.
func (r *Registry) Tables() []*table.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tablesLocked()
}

func (r *Registry) tablesLocked() []*table.Table {
	out := make([]*table.Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}

// Chunks returns the shared chunk store.
func (r *Registry) Chunks() *chunkstore.Store { return r.chunks }

// Checkpoint snapshots every table concurrently and writes one artifact to
// the configured storage. Each table's snapshot is internally consistent;
// the artifact bundles them with the chunks their items reference,
// deduplicated across tables. Returns the artifact name.
func (r *Registry) Checkpoint(ctx context.Context) (string, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return "", ErrRegistryClosed
	}
	if r.store == nil {
		r.mu.RUnlock()
		return "", errors.New("replaykit: no checkpoint storage configured")
	}
	tables := r.tablesLocked()
	r.mu.RUnlock()

	recs := make([]checkpoint.Table, len(tables))
	chunkLists := make([][]*chunkstore.Chunk, len(tables))
	g, _ := errgroup.WithContext(ctx)
	for i, t := range tables {
		g.Go(func() error {
			recs[i], chunkLists[i] = t.Checkpoint()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	snap := &checkpoint.Snapshot{
		CreatedAt: r.opts.clock.Now(),
		Tables:    recs,
	}
	seen := make(map[uint64]bool)
	for _, chunks := range chunkLists {
		for _, c := range chunks {
			if !seen[c.Key()] {
				seen[c.Key()] = true
				snap.Chunks = append(snap.Chunks, checkpoint.Chunk{Key: c.Key(), Data: c.Data()})
			}
		}
	}

	name, err := checkpoint.Save(ctx, r.store, r.codec, snap)
	r.opts.logger.LogCheckpoint(name, len(recs), err)
	if err != nil {
		return "", err
	}
	return name, nil
}

// Load restores the registry from the latest checkpoint, replacing any
// registered tables (which are closed first). optsFor, when non-nil,
// supplies per-table construction options; use it to re-attach extensions,
// clocks, metrics or loggers. After every table is rebuilt, each
// extension's OnCheckpointLoaded hook runs with the full table set.
func (r *Registry) Load(ctx context.Context, optsFor func(tableName string) []table.Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if r.store == nil {
		return errors.New("replaykit: no checkpoint storage configured")
	}

	snap, err := checkpoint.LoadLatest(ctx, r.store)
	if err != nil {
		r.opts.logger.LogRestore(0, 0, err)
		return err
	}

	chunkMap := make(map[uint64]*chunkstore.Chunk, len(snap.Chunks))
	for _, c := range snap.Chunks {
		chunkMap[c.Key] = chunkstore.NewChunk(c.Key, c.Data)
	}

	restored := make(map[string]*table.Table, len(snap.Tables))
	order := make([]string, 0, len(snap.Tables))
	for _, rec := range snap.Tables {
		var opts []table.Option
		if optsFor != nil {
			opts = optsFor(rec.TableName)
		}
		t, err := table.FromCheckpoint(rec, chunkMap, opts...)
		if err != nil {
			return err
		}
		restored[rec.TableName] = t
		order = append(order, rec.TableName)
	}

	for _, t := range r.tablesLocked() {
		t.Close()
	}
	r.tables = restored
	r.order = order

	tables := r.tablesLocked()
	for _, t := range tables {
		for _, ext := range t.Extensions() {
			ext.OnCheckpointLoaded(tables)
		}
	}
	r.opts.logger.LogRestore(len(snap.Tables), len(snap.Chunks), nil)
	return nil
}

// Close closes every table and marks the registry closed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.tablesLocked() {
		t.Close()
	}
}
