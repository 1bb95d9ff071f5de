// Package waiter implements the commit-waiter (§4.2): a table mapping log
// indices to client promises, released only once the corresponding entry
// has both committed and been applied to the state machine.
package waiter

import (
	"sync"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/rs/zerolog"
)

// FulfilFunc delivers a successful result to the waiting caller.
type FulfilFunc func(result []byte)

// RejectFunc delivers a failure to the waiting caller.
type RejectFunc func(err error)

type entry struct {
	fulfil       FulfilFunc
	reject       RejectFunc
	deadline     time.Time
	registeredAt time.Time
	term         raftapi.Term // term under which the entry was appended
}

// Table is the commit-waiter's promise table. Zero value is not usable;
// construct with New.
type Table struct {
	mu      sync.Mutex
	waiters map[raftapi.Index]*entry
	log     zerolog.Logger
}

// New constructs an empty Table.
func New(log zerolog.Logger) *Table {
	return &Table{
		waiters: make(map[raftapi.Index]*entry),
		log:     log,
	}
}

// Register stores a waiter for index, with a deadline derived from
// timeout. Returns an error if a waiter is already registered at this
// index — the spec guarantees only one client promise is ever outstanding
// per log index within a leadership epoch, so a second registration is a
// caller bug, not a race to paper over.
func (t *Table) Register(index raftapi.Index, term raftapi.Term, fulfil FulfilFunc, reject RejectFunc, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[index]; exists {
		return &DuplicateWaiterError{Index: index}
	}

	now := time.Now()
	t.waiters[index] = &entry{
		fulfil:       fulfil,
		reject:       reject,
		deadline:     now.Add(timeout),
		registeredAt: now,
		term:         term,
	}
	return nil
}

// DuplicateWaiterError is returned by Register when an index already has a
// pending waiter.
type DuplicateWaiterError struct {
	Index raftapi.Index
}

func (e *DuplicateWaiterError) Error() string {
	return "waiter: duplicate registration at index"
}

// NotifyApplied resolves the waiter at index, if any, by invoking
// produce(index). If produce returns a value, Fulfil is called with it; if
// it returns an error, Reject is called instead. The entry is removed
// before either callback fires, so a racing SweepTimeouts/CancelAll cannot
// also resolve it — exactly one of fulfil/reject ever runs per waiter.
func (t *Table) NotifyApplied(index raftapi.Index, produce func(raftapi.Index) ([]byte, error)) {
	t.mu.Lock()
	e, ok := t.waiters[index]
	if ok {
		delete(t.waiters, index)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	result, err := produce(index)
	if err != nil {
		e.reject(err)
		return
	}
	e.fulfil(result)
}

// CancelOnLeadershipLoss rejects every pending waiter with
// LeadershipLostError and empties the table. Called when a node discovers
// a higher term and steps down from leader.
func (t *Table) CancelOnLeadershipLoss(oldTerm, newTerm raftapi.Term) {
	t.mu.Lock()
	pending := t.waiters
	t.waiters = make(map[raftapi.Index]*entry)
	t.mu.Unlock()

	err := &raftapi.LeadershipLostError{OldTerm: oldTerm, NewTerm: newTerm}
	for _, e := range pending {
		e.reject(err)
	}
}

// CancelAll rejects every pending waiter with reason and empties the
// table. Used on node Stop (reason == ErrShutdown).
func (t *Table) CancelAll(reason error) {
	t.mu.Lock()
	pending := t.waiters
	t.waiters = make(map[raftapi.Index]*entry)
	t.mu.Unlock()

	for _, e := range pending {
		e.reject(reason)
	}
}

// SweepTimeouts rejects every waiter whose deadline has passed. Intended
// to be called periodically by the driver (e.g. alongside the heartbeat
// tick); it is not self-scheduling.
func (t *Table) SweepTimeouts(now time.Time) {
	t.mu.Lock()
	var expired []struct {
		index raftapi.Index
		e     *entry
	}
	for idx, e := range t.waiters {
		if now.After(e.deadline) {
			expired = append(expired, struct {
				index raftapi.Index
				e     *entry
			}{idx, e})
		}
	}
	for _, x := range expired {
		delete(t.waiters, x.index)
	}
	t.mu.Unlock()

	for _, x := range expired {
		x.e.reject(&raftapi.CommitTimeoutError{
			Index:   x.index,
			Timeout: x.e.deadline.Sub(x.e.registeredAt).String(),
		})
	}
}

// Len returns the number of pending waiters, for metrics (§6 Observability,
// WaitersPending).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// TermOf returns the term a waiter was registered under, and false when no
// waiter is pending at index. The node does not call it; term bumps alone
// don't cancel waiters, only actual leadership loss does.
func (t *Table) TermOf(index raftapi.Index) (raftapi.Term, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.waiters[index]
	if !ok {
		return 0, false
	}
	return e.term, true
}
