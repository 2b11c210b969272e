// Package extensions provides built-in table extensions: observers of item
// lifecycle events that run under the owning table's lock.
package extensions

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/replaykit/replaykit/table"
)

const undefinedTableName = "__UNDEFINED__"

// InsertOnSample copies each item into a target table the first time it is
// sampled from the source table. The copy keeps the item key, so priority
// updates addressed to the copy work straight away, and its inserted-at
// stamp is re-taken by the target.
//
// The callback runs under the source table's lock while the target insert
// may block on the target's insert gate, so prefer a short timeout when
// the target table can block inserts. Insert failures are advisory: the
// item is dropped and a throttled warning is logged.
type InsertOnSample struct {
	table.BaseExtension

	target  *table.Table
	timeout time.Duration
	logger  *slog.Logger
	warn    rate.Sometimes

	// Source table name, kept so log lines don't need the table lock.
	sourceName string
}

// NewInsertOnSample creates the extension. timeout bounds each copy insert
// into target; logger may be nil.
func NewInsertOnSample(target *table.Table, timeout time.Duration, logger *slog.Logger) *InsertOnSample {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InsertOnSample{
		target:     target,
		timeout:    timeout,
		logger:     logger,
		warn:       rate.Sometimes{Interval: time.Second},
		sourceName: undefinedTableName,
	}
}

// AfterRegister remembers the source table's name.
func (e *InsertOnSample) AfterRegister(t *table.Table) {
	e.sourceName = t.Name()
}

// BeforeUnregister forgets the source table's name.
func (e *InsertOnSample) BeforeUnregister(*table.Table) {
	e.sourceName = undefinedTableName
}

// OnSample copies the item into the target table when its sample count
// just transitioned to one.
func (e *InsertOnSample) OnSample(item *table.Item) {
	if item.TimesSampled != 1 {
		return
	}

	copied := *item
	copied.Table = e.target.Name()
	copied.InsertedAt = time.Time{}

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := e.target.InsertOrAssign(ctx, copied); err != nil {
		e.warn.Do(func() {
			e.logger.Warn("failed to copy sampled item",
				"source", e.sourceName,
				"target", e.target.Name(),
				"key", item.Key,
				"error", err)
		})
	}
}

// OnCheckpointLoaded re-points the target at its restored instance.
func (e *InsertOnSample) OnCheckpointLoaded(tables []*table.Table) {
	for _, t := range tables {
		if t.Name() == e.target.Name() {
			e.target = t
			return
		}
	}
	panic("extensions: InsertOnSample target table not found in loaded tables: " + e.target.Name())
}
