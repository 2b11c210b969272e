package distribution

import (
	"container/list"
	"fmt"
)

// orderedKeys is the list-plus-map pair shared by the FIFO and LIFO
// variants. The list holds keys in insertion order; the map points each key
// at its list element so Delete is O(1).
type orderedKeys struct {
	order *list.List
	elems map[uint64]*list.Element
}

func newOrderedKeys() orderedKeys {
	return orderedKeys{
		order: list.New(),
		elems: make(map[uint64]*list.Element),
	}
}

func (o *orderedKeys) insert(key uint64) error {
	if _, ok := o.elems[key]; ok {
		return fmt.Errorf("%w: %d", ErrKeyExists, key)
	}
	o.elems[key] = o.order.PushBack(key)
	return nil
}

func (o *orderedKeys) update(key uint64) error {
	if _, ok := o.elems[key]; !ok {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return nil
}

func (o *orderedKeys) delete(key uint64) error {
	el, ok := o.elems[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	o.order.Remove(el)
	delete(o.elems, key)
	return nil
}

func (o *orderedKeys) clear() {
	o.order.Init()
	o.elems = make(map[uint64]*list.Element)
}

func (o *orderedKeys) keys() []uint64 {
	out := make([]uint64, 0, o.order.Len())
	for el := o.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(uint64))
	}
	return out
}

// FIFO always samples the oldest inserted key. Priorities are ignored;
// Update only verifies existence. All operations are O(1) and the reported
// probability is always 1.
type FIFO struct {
	orderedKeys
}

// NewFIFO creates an empty FIFO distribution.
func NewFIFO() *FIFO {
	return &FIFO{orderedKeys: newOrderedKeys()}
}

// Insert adds key at the back of the queue. The priority is ignored.
func (f *FIFO) Insert(key uint64, _ float64) error { return f.insert(key) }

// Update verifies existence; the priority is ignored.
func (f *FIFO) Update(key uint64, _ float64) error { return f.update(key) }

// Delete removes key.
func (f *FIFO) Delete(key uint64) error { return f.delete(key) }

// Sample returns the oldest key.
func (f *FIFO) Sample() KeyWithProbability {
	front := f.order.Front()
	if front == nil {
		panic("distribution: Sample called on empty FIFO")
	}
	return KeyWithProbability{Key: front.Value.(uint64), Probability: 1.0}
}

// Clear removes all keys.
func (f *FIFO) Clear() { f.clear() }

// Len returns the number of live keys.
func (f *FIFO) Len() int { return f.order.Len() }

// Keys returns the live keys, oldest first.
func (f *FIFO) Keys() []uint64 { return f.keys() }

// Options returns the fifo variant tag.
func (f *FIFO) Options() Options { return Options{Fifo: true} }
