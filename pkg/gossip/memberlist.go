package gossip

// Tracks the local node's view of the group.
// Position 0 always holds the local node; every other row is learned through
// Merge. Rows are unique by address and keep their insertion order.

// Entry is one row of the membership table. Timestamp is local time of the
// last heartbeat increase and is never taken from a remote node.
type Entry struct {
	Addr      Address
	Heartbeat int64
	Timestamp int64
}

// Table is the ordered membership view of one node. It is not safe for
// concurrent use; the Engine owns it exclusively.
type Table struct {
	entries []Entry
	index   map[Address]int // addr -> position in entries
}

// NewTable returns an empty table. Call InitSelf before anything else.
func NewTable() *Table {
	return &Table{index: make(map[Address]int)}
}

// InitSelf clears the table and installs the local entry at position 0.
func (t *Table) InitSelf(self Address, heartbeat, now int64) {
	t.entries = append(t.entries[:0], Entry{Addr: self, Heartbeat: heartbeat, Timestamp: now})
	clear(t.index)
	t.index[self] = 0
}

// TickSelf bumps the local heartbeat by one.
func (t *Table) TickSelf(now int64) {
	if len(t.entries) == 0 {
		return
	}
	t.entries[0].Heartbeat++
	t.entries[0].Timestamp = now
}

// Merge folds a remote snapshot into the table and returns the addresses
// that were not known before. A row is refreshed only when the remote
// heartbeat is strictly greater than the local one. The local entry and
// null addresses are skipped.
func (t *Table) Merge(remote []Entry, now int64) []Address {
	var added []Address
	for _, r := range remote {
		if r.Addr.IsZero() {
			continue
		}
		i, ok := t.index[r.Addr]
		if ok {
			if i == 0 {
				continue
			}
			if r.Heartbeat > t.entries[i].Heartbeat {
				t.entries[i].Heartbeat = r.Heartbeat
				t.entries[i].Timestamp = now
			}
			continue
		}
		t.index[r.Addr] = len(t.entries)
		t.entries = append(t.entries, Entry{Addr: r.Addr, Heartbeat: r.Heartbeat, Timestamp: now})
		added = append(added, r.Addr)
	}
	return added
}

// PurgeExpired drops every peer with now-Timestamp > removeAfter and
// returns the removed rows.
func (t *Table) PurgeExpired(now, removeAfter int64) []Entry {
	if len(t.entries) <= 1 {
		return nil
	}
	var removed []Entry
	kept := t.entries[:1]
	for _, e := range t.entries[1:] {
		if now-e.Timestamp > removeAfter {
			removed = append(removed, e)
			delete(t.index, e.Addr)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil
	}
	t.entries = kept
	for i, e := range t.entries {
		t.index[e.Addr] = i
	}
	return removed
}

// SnapshotForGossip returns the local entry plus every peer refreshed within
// suspectAfter. Suspected peers stay in the table but are not advertised.
func (t *Table) SnapshotForGossip(now, suspectAfter int64) []Entry {
	out := make([]Entry, 0, len(t.entries))
	for i, e := range t.entries {
		if i == 0 || now-e.Timestamp <= suspectAfter {
			out = append(out, e)
		}
	}
	return out
}

// Self returns the local entry.
func (t *Table) Self() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[0], true
}

// Len counts rows including the local one.
func (t *Table) Len() int { return len(t.entries) }

// Peers lists every non-local address in table order.
func (t *Table) Peers() []Address {
	if len(t.entries) <= 1 {
		return nil
	}
	out := make([]Address, 0, len(t.entries)-1)
	for _, e := range t.entries[1:] {
		out = append(out, e.Addr)
	}
	return out
}

// Entries returns a copy of all rows, local first.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Lookup finds the row for addr.
func (t *Table) Lookup(addr Address) (Entry, bool) {
	i, ok := t.index[addr]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}
