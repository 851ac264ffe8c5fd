package depman

// handlerEntry pairs a registered HandlerFunc with its owning service
// and a registration id used to remove it later.
type handlerEntry struct {
	id       uint64
	listener ServiceID
	fn       HandlerFunc
}

// handlerTable indexes generic event handlers by the event type they
// listen for.
type handlerTable struct {
	byType map[EventType][]*handlerEntry
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byType: make(map[EventType][]*handlerEntry)}
}

func (t *handlerTable) add(id uint64, listener ServiceID, eventType EventType, fn HandlerFunc) {
	t.byType[eventType] = append(t.byType[eventType], &handlerEntry{id: id, listener: listener, fn: fn})
}

func (t *handlerTable) remove(eventType EventType, id uint64) {
	entries := t.byType[eventType]
	for i, e := range entries {
		if e.id == id {
			t.byType[eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the handlers registered for eventType, taken before
// dispatch begins so handlers added/removed during this event's own
// dispatch don't affect it.
func (t *handlerTable) snapshot(eventType EventType) []*handlerEntry {
	entries := t.byType[eventType]
	out := make([]*handlerEntry, len(entries))
	copy(out, entries)
	return out
}

// Registration is the scoped handle returned by every Register* call:
// holding it keeps the subscription alive, and Close removes it.
// Dropping it without calling Close leaks the subscription until the
// manager clears its tables after Quit drains; removing the owning
// service does not remove it.
type Registration struct {
	id     uint64
	closed bool
	close  func()
}

// Close removes the underlying subscription. Safe to call more than
// once; only the first call has an effect.
func (r *Registration) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.close != nil {
		r.close()
	}
}

// ID returns the registration's internal id, primarily useful for
// diagnostics.
func (r *Registration) ID() uint64 { return r.id }
