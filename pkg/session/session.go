// Package session implements the client session table (§4.5): per-client
// exactly-once command application via highest-serial tracking and cached
// responses, with bounded retention so long-lived clusters don't grow the
// table without limit.
package session

import (
	"container/list"
	"sync"
)

// cached is one previously applied (serial, response) pair.
type cached struct {
	serial   uint64
	response []byte
}

// perClientHistory bounds how many recent (serial, response) pairs are
// retained per client, beyond the single highest. A retry older than this
// window reports OutcomeExpired rather than OutcomeCached (§4.5: "if the
// cache has been evicted beyond this serial, the request is rejected as
// session_expired").
const perClientHistory = 8

// clientState is one client's dedup state: the highest serial observed
// and a bounded window of recent (serial, response) pairs, oldest first.
type clientState struct {
	highest uint64
	history []cached
}

// Table tracks, per client ID, the highest serial applied and a bounded
// window of recent (serial, response) pairs, so a retry naming any serial
// still inside that window is answered from cache rather than re-applied
// to the state machine. Retention is bounded two ways: an LRU of client
// IDs entirely (§4.5 "bounded retention"), and perClientHistory within
// each client's own window.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*clientState
	order    *list.List // front = most recently touched
	elements map[string]*list.Element
	capacity int

	// tombstones remembers client IDs evicted from entries, so Lookup can
	// distinguish "never seen" (OutcomeApply) from "seen, then aged out"
	// (OutcomeExpired). Bounded by the same capacity, on its own LRU.
	tombstones     map[string]struct{}
	tombstoneOrder *list.List
}

// New builds a Table retaining at most capacity distinct client IDs.
// capacity <= 0 means unbounded.
func New(capacity int) *Table {
	return &Table{
		entries:        make(map[string]*clientState),
		order:          list.New(),
		elements:       make(map[string]*list.Element),
		capacity:       capacity,
		tombstones:     make(map[string]struct{}),
		tombstoneOrder: list.New(),
	}
}

// Outcome describes how a submitted (clientID, serial) should be handled.
type Outcome uint8

const (
	// OutcomeApply means this is a new serial: apply the command and
	// call Observe with its result afterwards.
	OutcomeApply Outcome = iota
	// OutcomeCached means this exact serial was already applied: return
	// the cached response without re-applying.
	OutcomeCached
	// OutcomeInvalidSerial means serial skips ahead of highest+1 (a gap)
	// — see raftapi.ErrInvalidSerial.
	OutcomeInvalidSerial
	// OutcomeExpired means clientID has aged out of the bounded
	// retention window: this node can no longer tell if serial was
	// already applied. See raftapi.ErrSessionExpired.
	OutcomeExpired
)

// Lookup classifies a (clientID, serial) pair against the table without
// mutating it. When Outcome is OutcomeCached, response holds the cached
// bytes to return directly.
//
// Per §4.5: the first request from a client must carry serial 1; every
// later request must carry either highest+1 (the next command) or any
// serial <= highest (a retry). A retry is answered from the bounded
// per-client history if still present there, or rejected as
// OutcomeExpired if it has aged out of that window. A serial that skips
// ahead of highest+1 is rejected as OutcomeInvalidSerial regardless of
// whether the client has been seen before.
func (t *Table) Lookup(clientID string, serial uint64) (outcome Outcome, response []byte) {
	if clientID == "" {
		return OutcomeApply, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.entries[clientID]
	if !ok {
		if _, evicted := t.tombstones[clientID]; evicted {
			return OutcomeExpired, nil
		}
		if serial > 1 {
			return OutcomeInvalidSerial, nil
		}
		return OutcomeApply, nil
	}

	switch {
	case serial == cs.highest+1:
		return OutcomeApply, nil
	case serial > cs.highest+1:
		return OutcomeInvalidSerial, nil
	default:
		for _, c := range cs.history {
			if c.serial == serial {
				return OutcomeCached, c.response
			}
		}
		return OutcomeExpired, nil
	}
}

// Observe records that (clientID, serial) was applied and produced
// response, evicting the least-recently-touched client if capacity is
// exceeded. Must be called with serial >= any previously observed serial
// for clientID (the apply loop enforces this via Lookup beforehand).
func (t *Table) Observe(clientID string, serial uint64, response []byte) {
	if clientID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.entries[clientID]
	if !ok {
		cs = &clientState{}
		t.entries[clientID] = cs
	}
	cs.highest = serial
	cs.history = append(cs.history, cached{serial: serial, response: response})
	if len(cs.history) > perClientHistory {
		cs.history = cs.history[len(cs.history)-perClientHistory:]
	}
	delete(t.tombstones, clientID)

	if el, ok := t.elements[clientID]; ok {
		t.order.MoveToFront(el)
	} else {
		el := t.order.PushFront(clientID)
		t.elements[clientID] = el
	}

	if t.capacity > 0 {
		t.evictTo(t.capacity)
	}
}

// Retain shrinks the table to at most n entries immediately, evicting the
// least-recently-touched clients first. Used by state machines that want
// to enforce retention as part of their own snapshot policy rather than
// waiting for the next Observe.
func (t *Table) Retain(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 0 {
		n = 0
	}
	t.evictTo(n)
}

// evictTo removes least-recently-touched entries until at most max
// remain, tombstoning each evicted client ID so a later Lookup reports
// OutcomeExpired rather than silently treating it as never seen. Caller
// must hold t.mu.
func (t *Table) evictTo(max int) {
	for len(t.entries) > max {
		oldest := t.order.Back()
		if oldest == nil {
			break
		}
		id := oldest.Value.(string)
		t.order.Remove(oldest)
		delete(t.elements, id)
		delete(t.entries, id)
		t.tombstone(id)
	}
}

// tombstone records clientID as evicted, bounding the tombstone set at
// the same capacity as the live table so it too cannot grow unbounded.
func (t *Table) tombstone(clientID string) {
	if t.capacity <= 0 {
		return
	}
	if _, exists := t.tombstones[clientID]; !exists {
		t.tombstones[clientID] = struct{}{}
		t.tombstoneOrder.PushFront(clientID)
	}
	for len(t.tombstones) > t.capacity {
		oldest := t.tombstoneOrder.Back()
		if oldest == nil {
			break
		}
		id := oldest.Value.(string)
		t.tombstoneOrder.Remove(oldest)
		delete(t.tombstones, id)
	}
}

// Len reports the number of distinct client IDs currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ExportRaw returns the table contents as plain structs, suitable for
// gob/json encoding by a StateMachine's own Snapshot implementation. The
// full per-client history is included, not just the highest serial, so a
// restored table preserves exactly-once semantics for any retry still
// inside the window, not merely an exact repeat of the last request.
func (t *Table) ExportRaw() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for id, cs := range t.entries {
		history := make([]HistoryItem, len(cs.history))
		for i, c := range cs.history {
			history[i] = HistoryItem{Serial: c.serial, Response: c.response}
		}
		out = append(out, Entry{ClientID: id, Highest: cs.highest, History: history})
	}
	return out
}

// Entry is the exported, codec-friendly form of one client's session
// state.
type Entry struct {
	ClientID string
	Highest  uint64
	History  []HistoryItem
}

// HistoryItem is one retained (serial, response) pair within an Entry.
type HistoryItem struct {
	Serial   uint64
	Response []byte
}

// ImportRaw replaces the table's contents with entries, as read back from
// a StateMachine's Restore. Recency order is lost across a restore (every
// restored entry is equally "fresh"); eviction order afterwards falls
// back to map iteration order until new Observe calls re-establish LRU
// order.
func (t *Table) ImportRaw(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*clientState, len(entries))
	t.order = list.New()
	t.elements = make(map[string]*list.Element, len(entries))

	for _, e := range entries {
		history := make([]cached, len(e.History))
		for i, h := range e.History {
			history[i] = cached{serial: h.Serial, response: h.Response}
		}
		t.entries[e.ClientID] = &clientState{highest: e.Highest, history: history}
		el := t.order.PushFront(e.ClientID)
		t.elements[e.ClientID] = el
	}
}
