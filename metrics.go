package replaykit

import (
	"sync/atomic"
	"time"

	"github.com/replaykit/replaykit/table"
)

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) RecordInsert(time.Duration, error)    {}
func (NoopMetrics) RecordSample(time.Duration, error)    {}
func (NoopMetrics) RecordMutate(int, int, time.Duration) {}

// BasicMetrics is an in-memory table.MetricsObserver: atomic counters with
// a snapshot accessor. Useful for debugging and tests without an external
// monitoring system.
type BasicMetrics struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	SampleCount      atomic.Int64
	SampleErrors     atomic.Int64
	SampleTotalNanos atomic.Int64
	MutateCount      atomic.Int64
	MutateUpdates    atomic.Int64
	MutateDeletes    atomic.Int64
}

var _ table.MetricsObserver = (*BasicMetrics)(nil)

// RecordInsert implements table.MetricsObserver.
func (b *BasicMetrics) RecordInsert(d time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordSample implements table.MetricsObserver.
func (b *BasicMetrics) RecordSample(d time.Duration, err error) {
	b.SampleCount.Add(1)
	b.SampleTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.SampleErrors.Add(1)
	}
}

// RecordMutate implements table.MetricsObserver.
func (b *BasicMetrics) RecordMutate(updates, deletes int, d time.Duration) {
	b.MutateCount.Add(1)
	b.MutateUpdates.Add(int64(updates))
	b.MutateDeletes.Add(int64(deletes))
}

// Stats returns a snapshot of the counters.
func (b *BasicMetrics) Stats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:   b.InsertCount.Load(),
		InsertErrors:  b.InsertErrors.Load(),
		SampleCount:   b.SampleCount.Load(),
		SampleErrors:  b.SampleErrors.Load(),
		MutateCount:   b.MutateCount.Load(),
		MutateUpdates: b.MutateUpdates.Load(),
		MutateDeletes: b.MutateDeletes.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetrics.
type BasicMetricsStats struct {
	InsertCount   int64
	InsertErrors  int64
	SampleCount   int64
	SampleErrors  int64
	MutateCount   int64
	MutateUpdates int64
	MutateDeletes int64
}
