// Package ratelimiter couples the sampling and insertion rates of a
// priority table. The limiter tracks how far inserts lead samples and
// blocks whichever side would push the lead outside the configured window,
// so neither producers nor consumers can outrun the other.
//
// The limiter keeps no lock of its own: every method must be called with
// the owning table's mutex held, and the Await methods release and
// re-acquire that mutex while waiting. Waiters are woken by a broadcast
// channel that is replaced on every state change, in the manner of a
// condition variable; each woken caller re-evaluates its gate.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrCancelled is returned by the Await methods once Cancel has been
// called. The table translates it into its own closed error.
var ErrCancelled = errors.New("ratelimiter: cancelled")

// State is a snapshot of the limiter's parameters and counters, carried
// inside table checkpoints.
type State struct {
	SamplesPerInsert float64 `msgpack:"samples_per_insert" yaml:"samples_per_insert"`
	MinSizeToSample  int64   `msgpack:"min_size_to_sample" yaml:"min_size_to_sample"`
	MinDiff          float64 `msgpack:"min_diff" yaml:"min_diff"`
	MaxDiff          float64 `msgpack:"max_diff" yaml:"max_diff"`
	SampleCount      int64   `msgpack:"sample_count" yaml:"sample_count"`
	InsertCount      int64   `msgpack:"insert_count" yaml:"insert_count"`
}

// RateLimiter gates inserts and samples so the insert lead
//
//	D = samples_per_insert*insert_count - sample_count
//
// stays inside [min_diff, max_diff]: an insert needs
// D + samples_per_insert <= max_diff (the first min_size_to_sample inserts
// are exempt, so a table can fill to its sampling threshold), and a sample
// needs insert_count >= min_size_to_sample and D - 1 >= min_diff.
type RateLimiter struct {
	samplesPerInsert float64
	minSizeToSample  int64
	minDiff          float64
	maxDiff          float64

	insertCount int64
	sampleCount int64
	cancelled   bool
	wake        chan struct{}
}

// New validates the parameters and creates a limiter with zeroed counters.
func New(samplesPerInsert float64, minSizeToSample int64, minDiff, maxDiff float64) (*RateLimiter, error) {
	if math.IsNaN(samplesPerInsert) || samplesPerInsert <= 0 {
		return nil, fmt.Errorf("ratelimiter: samples_per_insert must be > 0, got %v", samplesPerInsert)
	}
	if minSizeToSample < 1 {
		return nil, fmt.Errorf("ratelimiter: min_size_to_sample must be >= 1, got %d", minSizeToSample)
	}
	if math.IsNaN(minDiff) || math.IsNaN(maxDiff) || minDiff > maxDiff {
		return nil, fmt.Errorf("ratelimiter: invalid diff window [%v, %v]", minDiff, maxDiff)
	}
	return &RateLimiter{
		samplesPerInsert: samplesPerInsert,
		minSizeToSample:  minSizeToSample,
		minDiff:          minDiff,
		maxDiff:          maxDiff,
		wake:             make(chan struct{}),
	}, nil
}

// NewFromState rebuilds a limiter from a checkpoint snapshot, counters
// included.
func NewFromState(s State) (*RateLimiter, error) {
	r, err := New(s.SamplesPerInsert, s.MinSizeToSample, s.MinDiff, s.MaxDiff)
	if err != nil {
		return nil, err
	}
	r.insertCount = s.InsertCount
	r.sampleCount = s.SampleCount
	return r, nil
}

// CanInsert reports whether n more inserts keep the lead inside the
// window. Caller must hold the table lock.
func (r *RateLimiter) CanInsert(n int64) bool {
	if r.insertCount+n <= r.minSizeToSample {
		return true
	}
	lead := r.samplesPerInsert*float64(r.insertCount+n) - float64(r.sampleCount)
	return lead <= r.maxDiff
}

// CanSample reports whether n more samples are admissible. Caller must
// hold the table lock.
func (r *RateLimiter) CanSample(n int64) bool {
	if r.insertCount < r.minSizeToSample {
		return false
	}
	lead := r.samplesPerInsert*float64(r.insertCount) - float64(r.sampleCount+n)
	return lead >= r.minDiff
}

// AwaitCanInsert blocks until one insert is admissible, the limiter is
// cancelled, or ctx expires. mu is the table mutex; it must be held on
// entry and is held again on return. A timeout returns ctx's error with no
// state change.
func (r *RateLimiter) AwaitCanInsert(ctx context.Context, mu *sync.Mutex) error {
	return r.await(ctx, mu, func() bool { return r.CanInsert(1) })
}

// AwaitCanSample blocks until one sample is admissible, the limiter is
// cancelled, or ctx expires. Locking contract as for AwaitCanInsert.
func (r *RateLimiter) AwaitCanSample(ctx context.Context, mu *sync.Mutex) error {
	return r.await(ctx, mu, func() bool { return r.CanSample(1) })
}

func (r *RateLimiter) await(ctx context.Context, mu *sync.Mutex, admissible func() bool) error {
	for {
		if r.cancelled {
			return ErrCancelled
		}
		if admissible() {
			return nil
		}
		wake := r.wake
		mu.Unlock()
		select {
		case <-ctx.Done():
			mu.Lock()
			return ctx.Err()
		case <-wake:
			mu.Lock()
		}
	}
}

// Insert records one successful insert and wakes all waiters. Call only
// after a successful AwaitCanInsert, with the table lock held.
func (r *RateLimiter) Insert() {
	r.insertCount++
	r.broadcast()
}

// Sample records one successful sample and wakes all waiters. Call only
// after a successful AwaitCanSample, with the table lock held.
func (r *RateLimiter) Sample() {
	r.sampleCount++
	r.broadcast()
}

// Cancel marks the limiter cancelled and wakes all waiters. Caller must
// hold the table lock.
func (r *RateLimiter) Cancel() {
	r.cancelled = true
	r.broadcast()
}

// Reset zeroes both counters and wakes all waiters. Caller must hold the
// table lock.
func (r *RateLimiter) Reset() {
	r.insertCount = 0
	r.sampleCount = 0
	r.broadcast()
}

// Checkpoint captures the parameters and current counters. Caller must
// hold the table lock.
func (r *RateLimiter) Checkpoint() State {
	return State{
		SamplesPerInsert: r.samplesPerInsert,
		MinSizeToSample:  r.minSizeToSample,
		MinDiff:          r.minDiff,
		MaxDiff:          r.maxDiff,
		SampleCount:      r.sampleCount,
		InsertCount:      r.insertCount,
	}
}

// Restore overwrites the counters from a checkpoint and wakes all waiters.
// Caller must hold the table lock.
func (r *RateLimiter) Restore(s State) {
	r.insertCount = s.InsertCount
	r.sampleCount = s.SampleCount
	r.broadcast()
}

// InsertCount returns the number of successful inserts since reset. Caller
// must hold the table lock.
func (r *RateLimiter) InsertCount() int64 { return r.insertCount }

// SampleCount returns the number of successful samples since reset. Caller
// must hold the table lock.
func (r *RateLimiter) SampleCount() int64 { return r.sampleCount }

func (r *RateLimiter) broadcast() {
	close(r.wake)
	r.wake = make(chan struct{})
}
