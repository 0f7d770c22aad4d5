// Package resulttable implements the per-engine ResultsMap of spec.md §3:
// an ordered-by-insertion map keyed by sequence number, with the
// "status transitions exactly once" invariant enforced at the data
// structure level rather than by caller discipline.
package resulttable

import (
	"net/netip"
	"time"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// Table is a ResultsMap: entries keyed by sequence number, with insertion
// order preserved for hop-sorted flush (spec.md §4.4 step 5).
type Table struct {
	entries map[uint16]hpct.ResultEntry
	order   []uint16
}

// New creates an empty table.
func New() *Table {
	return &Table{entries: make(map[uint16]hpct.ResultEntry)}
}

// Insert adds a freshly-sent entry. It is the caller's responsibility to
// only insert once per sequence number (spec.md §3: "exactly one
// ResultEntry... exists").
func (t *Table) Insert(e hpct.ResultEntry) {
	if _, exists := t.entries[e.SeqNumber]; !exists {
		t.order = append(t.order, e.SeqNumber)
	}
	t.entries[e.SeqNumber] = e
}

// Get returns the entry for seq, if present.
func (t *Table) Get(seq uint16) (hpct.ResultEntry, bool) {
	e, ok := t.entries[seq]
	return e, ok
}

// Match attempts to record a reply against seq. It returns false (a no-op)
// if the entry is absent or already terminal — spec.md §4.3's "if absent
// or already classified, drop" / "later matching reply packets... are
// ignored" rule, and spec.md §8's "first reply for a seq wins."
func (t *Table) Match(seq uint16, receiveTime time.Time, status hpct.HopStatus, respondingAddress netip.Addr) bool {
	e, ok := t.entries[seq]
	if !ok || e.Status.IsTerminal() {
		return false
	}
	e.ReceiveTime = receiveTime
	e.RespondingAddress = respondingAddress
	e.Status = status
	t.entries[seq] = e
	return true
}

// SetStatus force-sets a terminal status on an entry without requiring a
// full Match call (used for Timeout transitions on deadline/expiration).
func (t *Table) SetStatus(seq uint16, status hpct.HopStatus) bool {
	e, ok := t.entries[seq]
	if !ok || e.Status.IsTerminal() {
		return false
	}
	e.Status = status
	t.entries[seq] = e
	return true
}

// Delete removes an entry (used once it has been flushed).
func (t *Table) Delete(seq uint16) {
	delete(t.entries, seq)
	for i, s := range t.order {
		if s == seq {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Outstanding returns the count of entries still in Unknown status,
// which spec.md §3 requires to equal OutstandingRequests.
func (t *Table) Outstanding() int {
	n := 0
	for _, e := range t.entries {
		if !e.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Len returns the total number of entries currently tracked.
func (t *Table) Len() int { return len(t.entries) }

// EntriesInOrder returns a snapshot of all entries in insertion order
// (spec.md §4.4 step 5 flushes "in hop order", which for Traceroute's
// high-to-low TTL send order plus per-round re-sends matches insertion
// order once the caller sends low-TTL-first within a flush batch; callers
// needing strict hop order should sort the returned slice by Hop).
func (t *Table) EntriesInOrder() []hpct.ResultEntry {
	out := make([]hpct.ResultEntry, 0, len(t.order))
	for _, seq := range t.order {
		if e, ok := t.entries[seq]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears all entries, for starting a fresh Traceroute run
// (spec.md §4.4 step 1 "Prepare: clear ResultsMap").
func (t *Table) Reset() {
	t.entries = make(map[uint16]hpct.ResultEntry)
	t.order = nil
}

// ExpireOlderThan applies the Ping/Burstping expiration rule of spec.md
// §4.5 step 3: any entry still Unknown whose age (relative to now) is at
// least maxAge transitions to Timeout. It returns the expired entries
// (post-transition) so the caller can flush and remove them.
func (t *Table) ExpireOlderThan(now time.Time, maxAge time.Duration) []hpct.ResultEntry {
	var expired []hpct.ResultEntry
	for seq, e := range t.entries {
		if e.Status.IsTerminal() {
			continue
		}
		if now.Sub(e.SendTime) >= maxAge {
			e.Status = hpct.StatusTimeout
			t.entries[seq] = e
			expired = append(expired, e)
		}
	}
	return expired
}
