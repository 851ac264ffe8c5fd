package depman

// trackerEntry pairs a registered TrackerFunc with its owning service.
type trackerEntry struct {
	id    uint64
	owner ServiceID
	fn    TrackerFunc
}

// trackerTable indexes dependency-request trackers by the interface
// hash they observe.
type trackerTable struct {
	byInterface map[InterfaceHash][]*trackerEntry
}

func newTrackerTable() *trackerTable {
	return &trackerTable{byInterface: make(map[InterfaceHash][]*trackerEntry)}
}

func (t *trackerTable) add(id uint64, owner ServiceID, iface InterfaceHash, fn TrackerFunc) {
	t.byInterface[iface] = append(t.byInterface[iface], &trackerEntry{id: id, owner: owner, fn: fn})
}

func (t *trackerTable) remove(iface InterfaceHash, id uint64) {
	entries := t.byInterface[iface]
	for i, e := range entries {
		if e.id == id {
			t.byInterface[iface] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (t *trackerTable) snapshot(iface InterfaceHash) []*trackerEntry {
	entries := t.byInterface[iface]
	out := make([]*trackerEntry, len(entries))
	copy(out, entries)
	return out
}
