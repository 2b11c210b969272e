package distribution

import (
	"fmt"
	"math/rand"
)

// Uniform samples every live key with equal probability 1/n. Keys live in a
// dense slice with a map from key to slot; Delete swaps the victim with the
// last slot and pops, so all operations are O(1).
type Uniform struct {
	keys  []uint64
	index map[uint64]int
}

// NewUniform creates an empty uniform distribution.
func NewUniform() *Uniform {
	return &Uniform{
		index: make(map[uint64]int),
	}
}

// Insert adds key. The priority is ignored.
func (u *Uniform) Insert(key uint64, _ float64) error {
	if _, ok := u.index[key]; ok {
		return fmt.Errorf("%w: %d", ErrKeyExists, key)
	}
	u.index[key] = len(u.keys)
	u.keys = append(u.keys, key)
	return nil
}

// Update verifies existence; the priority is ignored.
func (u *Uniform) Update(key uint64, _ float64) error {
	if _, ok := u.index[key]; !ok {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return nil
}

// Delete removes key by swapping it with the last slot.
func (u *Uniform) Delete(key uint64) error {
	i, ok := u.index[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	last := len(u.keys) - 1
	if i != last {
		u.keys[i] = u.keys[last]
		u.index[u.keys[i]] = i
	}
	u.keys = u.keys[:last]
	delete(u.index, key)
	return nil
}

// Sample picks a uniformly random key.
func (u *Uniform) Sample() KeyWithProbability {
	n := len(u.keys)
	if n == 0 {
		panic("distribution: Sample called on empty Uniform")
	}
	return KeyWithProbability{
		Key:         u.keys[rand.Intn(n)],
		Probability: 1.0 / float64(n),
	}
}

// Clear removes all keys.
func (u *Uniform) Clear() {
	u.keys = u.keys[:0]
	u.index = make(map[uint64]int)
}

// Len returns the number of live keys.
func (u *Uniform) Len() int { return len(u.keys) }

// Keys returns the live keys in slot order.
func (u *Uniform) Keys() []uint64 {
	out := make([]uint64, len(u.keys))
	copy(out, u.keys)
	return out
}

// Options returns the uniform variant tag.
func (u *Uniform) Options() Options { return Options{Uniform: true} }
