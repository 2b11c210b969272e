// Package distribution provides the sampling-mass structures used by a
// priority table to pick keys. A Distribution maintains a probability mass
// over a dynamic set of uint64 keys and answers weighted or ordered samples
// from it.
//
// The variant set is closed: Uniform, FIFO, LIFO and Prioritized. A table
// fixes its sampler and remover variants at construction; the Options tag
// identifies the variant inside checkpoints so a restore can rebuild the
// same structure.
//
// Distributions are not safe for concurrent use. The owning table serializes
// every call under its lock.
package distribution

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("distribution: key already exists")

	// ErrKeyNotFound is returned by Update and Delete when the key is absent.
	ErrKeyNotFound = errors.New("distribution: key not found")

	// ErrNegativePriority is returned when a priority is negative, NaN or
	// infinite where a finite non-negative value is required.
	ErrNegativePriority = errors.New("distribution: priority must be a finite non-negative number")
)

// KeyWithProbability is a sampled key together with the probability under
// which it was selected, consistent with the mass at the time of the call.
type KeyWithProbability struct {
	Key         uint64
	Probability float64
}

// Distribution maintains a probability mass over a set of keys.
type Distribution interface {
	// Insert adds a new key. Returns ErrKeyExists if the key is present.
	Insert(key uint64, priority float64) error

	// Update changes the priority of an existing key. Variants that ignore
	// priorities still verify existence. Returns ErrKeyNotFound if absent.
	Update(key uint64, priority float64) error

	// Delete removes a key. Returns ErrKeyNotFound if absent.
	Delete(key uint64) error

	// Sample picks a key according to the current mass. Must only be called
	// when the distribution is non-empty; calling it empty panics.
	Sample() KeyWithProbability

	// Clear removes all keys.
	Clear()

	// Len returns the number of live keys.
	Len() int

	// Keys returns the live keys in the variant's iteration order. For FIFO
	// and LIFO this is insertion order; for the others it is the internal
	// slot order, which is deterministic but otherwise unspecified.
	Keys() []uint64

	// Options returns the tag identifying this variant for checkpoints.
	Options() Options
}

// Options is the tagged union of variant descriptors carried by checkpoints.
// Exactly one field is set.
type Options struct {
	Uniform     bool                `msgpack:"uniform,omitempty" yaml:"uniform,omitempty"`
	Fifo        bool                `msgpack:"fifo,omitempty" yaml:"fifo,omitempty"`
	Lifo        bool                `msgpack:"lifo,omitempty" yaml:"lifo,omitempty"`
	Prioritized *PrioritizedOptions `msgpack:"prioritized,omitempty" yaml:"prioritized,omitempty"`
}

// PrioritizedOptions configures the Prioritized variant.
type PrioritizedOptions struct {
	PriorityExponent float64 `msgpack:"priority_exponent" yaml:"priority_exponent"`
}

// New constructs the distribution described by opts. This is the restore
// path used when loading checkpoints.
func New(opts Options) (Distribution, error) {
	switch {
	case opts.Uniform:
		return NewUniform(), nil
	case opts.Fifo:
		return NewFIFO(), nil
	case opts.Lifo:
		return NewLIFO(), nil
	case opts.Prioritized != nil:
		return NewPrioritized(opts.Prioritized.PriorityExponent)
	default:
		return nil, fmt.Errorf("distribution: options do not describe a variant: %+v", opts)
	}
}
