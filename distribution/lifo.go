package distribution

// LIFO always samples the most recently inserted key. Priorities are
// ignored; Update only verifies existence. All operations are O(1) and the
// reported probability is always 1.
type LIFO struct {
	orderedKeys
}

// NewLIFO creates an empty LIFO distribution.
func NewLIFO() *LIFO {
	return &LIFO{orderedKeys: newOrderedKeys()}
}

// Insert adds key at the back of the stack. The priority is ignored.
func (l *LIFO) Insert(key uint64, _ float64) error { return l.insert(key) }

// Update verifies existence; the priority is ignored.
func (l *LIFO) Update(key uint64, _ float64) error { return l.update(key) }

// Delete removes key.
func (l *LIFO) Delete(key uint64) error { return l.delete(key) }

// Sample returns the newest key.
func (l *LIFO) Sample() KeyWithProbability {
	back := l.order.Back()
	if back == nil {
		panic("distribution: Sample called on empty LIFO")
	}
	return KeyWithProbability{Key: back.Value.(uint64), Probability: 1.0}
}

// Clear removes all keys.
func (l *LIFO) Clear() { l.clear() }

// Len returns the number of live keys.
func (l *LIFO) Len() int { return l.order.Len() }

// Keys returns the live keys, oldest first.
func (l *LIFO) Keys() []uint64 { return l.keys() }

// Options returns the lifo variant tag.
func (l *LIFO) Options() Options { return Options{Lifo: true} }
