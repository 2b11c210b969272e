package table

// Extension observes item lifecycle events on a table. Every callback runs
// under the table lock, so implementations must not call back into the
// same table's blocking operations; non-blocking operations on other
// tables are fine. Extension failures are advisory: an extension that
// cannot do its work logs and moves on, it never fails the operation that
// triggered it.
type Extension interface {
	// AfterRegister is called when the extension is attached to a table.
	AfterRegister(t *Table)

	// BeforeUnregister is called when the table is closed.
	BeforeUnregister(t *Table)

	// OnInsert is called after a new item is committed.
	OnInsert(item *Item)

	// OnSample is called after an item's sample count is incremented,
	// before any auto-delete triggered by the sampling cap.
	OnSample(item *Item)

	// OnUpdate is called after an item's priority is overwritten.
	OnUpdate(item *Item)

	// OnDelete is called after an item is removed, whatever the trigger
	// (explicit delete, eviction, or the sampling cap).
	OnDelete(item *Item)

	// OnReset is called after Reset cleared the table.
	OnReset()

	// OnCheckpointLoaded is called once a checkpoint restore has rebuilt
	// all tables, so extensions can re-point references at the fresh
	// instances. Unlike the other callbacks it runs without the table
	// lock held and may use non-blocking table operations.
	OnCheckpointLoaded(tables []*Table)
}

// BaseExtension is a no-op Extension for embedding; override the callbacks
// you need.
type BaseExtension struct{}

func (BaseExtension) AfterRegister(*Table)        {}
func (BaseExtension) BeforeUnregister(*Table)     {}
func (BaseExtension) OnInsert(*Item)              {}
func (BaseExtension) OnSample(*Item)              {}
func (BaseExtension) OnUpdate(*Item)              {}
func (BaseExtension) OnDelete(*Item)              {}
func (BaseExtension) OnReset()                    {}
func (BaseExtension) OnCheckpointLoaded([]*Table) {}
