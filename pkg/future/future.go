// Package future implements the future-collector (§4.3): a combinator that
// aggregates in-flight RPC results against a quorum strategy without
// spinning up a thread pool. Each peer call keeps its own goroutine and
// writes its outcome to a dedicated channel; the collector only ever reads.
package future

import (
	"context"
	"sync"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// Result is one peer's outcome, position-preserving against the slice of
// channels the Collector was built from.
type Result struct {
	PeerID raftapi.NodeID
	Value  interface{}
	Err    error
}

// Strategy decides, given the results observed so far (some peers may not
// have responded yet), whether the collector can stop early and what
// terminal error to return if not enough will ever arrive.
type Strategy interface {
	// Satisfied reports whether enough successes have been observed to
	// resolve the wait early.
	Satisfied(successes int, total int) bool
	// Unsatisfiable reports whether the strategy can never be satisfied
	// given how many responses are still outstanding.
	Unsatisfiable(successes, failures, outstanding, total int) bool
}

// All requires every peer to succeed.
type All struct{}

func (All) Satisfied(successes, total int) bool { return successes == total }
func (All) Unsatisfiable(successes, failures, outstanding, total int) bool {
	return failures > 0
}

// Majority requires a simple majority of total to succeed (plain,
// non-joint quorum).
type Majority struct{ Total int }

func (m Majority) need() int { return m.Total/2 + 1 }
func (m Majority) Satisfied(successes, total int) bool {
	return successes >= m.need()
}
func (m Majority) Unsatisfiable(successes, failures, outstanding, total int) bool {
	return successes+outstanding < m.need()
}

// JointMajority requires a majority in BOTH the old and new member sets of
// a joint-consensus configuration (§4.4). OldMembers and NewMembers hold
// the two membership sets; a peer in both sets counts toward both majorities.
type JointMajority struct {
	OldMembers map[raftapi.NodeID]struct{}
	NewMembers map[raftapi.NodeID]struct{}
}

func (j JointMajority) oldNeed() int { return raftapi.Majority(j.OldMembers) }
func (j JointMajority) newNeed() int { return raftapi.Majority(j.NewMembers) }

func (j JointMajority) count(results map[raftapi.NodeID]bool, set map[raftapi.NodeID]struct{}) (successes, outstanding int) {
	for id := range set {
		ok, responded := results[id]
		switch {
		case !responded:
			outstanding++
		case ok:
			successes++
		}
	}
	return
}

// AnySuccess requires at least one success, from any peer.
type AnySuccess struct{}

func (AnySuccess) Satisfied(successes, total int) bool { return successes >= 1 }
func (AnySuccess) Unsatisfiable(successes, failures, outstanding, total int) bool {
	return successes == 0 && outstanding == 0
}

// FirstN requires N successes, from any peers.
type FirstN struct{ N int }

func (f FirstN) Satisfied(successes, total int) bool { return successes >= f.N }
func (f FirstN) Unsatisfiable(successes, failures, outstanding, total int) bool {
	return successes+outstanding < f.N
}

// Source is one peer's pending call, expressed as a channel the peer's
// goroutine writes its single Result to.
type Source struct {
	PeerID raftapi.NodeID
	Ch     <-chan Result
}

// Collector aggregates Sources against a Strategy. It is single-use: once
// Wait returns, the Collector is spent.
type Collector struct {
	sources  []Source
	strategy Strategy

	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
}

// New builds a Collector over the given sources and strategy.
func New(sources []Source, strategy Strategy) *Collector {
	return &Collector{
		sources:  sources,
		strategy: strategy,
		cancelCh: make(chan struct{}),
	}
}

// Cancel stops Wait early; any in-flight Wait returns raftapi.ErrShutdown.
// Safe to call multiple times and from any goroutine.
func (c *Collector) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.cancelCh)
	}
}

// Wait blocks until the strategy is satisfied, becomes unsatisfiable, the
// collector is cancelled, or ctx is done. It returns the position-preserving
// results observed so far (nil entries for peers that hadn't responded).
func (c *Collector) Wait(ctx context.Context) ([]*Result, error) {
	n := len(c.sources)
	results := make([]*Result, n)
	byPeer := make(map[raftapi.NodeID]bool, n)

	cases := make([]peerCase, n)
	for i, s := range c.sources {
		cases[i] = peerCase{idx: i, ch: s.Ch}
	}

	successes, failures, outstanding := 0, 0, n

	merged := mergeResults(cases)
	defer drainUnread(merged)

	for outstanding > 0 {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-c.cancelCh:
			return results, raftapi.ErrShutdown
		case r, ok := <-merged:
			if !ok {
				// every source produced (or its goroutine exited) and the
				// merge channel is drained; nothing more will ever arrive.
				outstanding = 0
				continue
			}
			results[r.idx] = &r.result
			outstanding--
			if r.result.Err == nil {
				successes++
				byPeer[r.result.PeerID] = true
			} else {
				failures++
				byPeer[r.result.PeerID] = false
			}
			if c.strategy.Satisfied(successes, n) {
				return results, nil
			}
			if c.strategy.Unsatisfiable(successes, failures, outstanding, n) {
				return results, raftapi.ErrInsufficientFutures
			}
		}
	}
	if c.strategy.Satisfied(successes, n) {
		return results, nil
	}
	return results, raftapi.ErrInsufficientFutures
}

// WaitJoint is the joint-consensus variant of Wait: it requires a
// JointMajority across both the old and new member sets rather than a
// single Strategy.Satisfied call, since neither half alone can answer the
// "is this commit safe" question.
func (c *Collector) WaitJoint(ctx context.Context, jm JointMajority) ([]*Result, error) {
	n := len(c.sources)
	results := make([]*Result, n)
	byPeer := make(map[raftapi.NodeID]bool, n)

	cases := make([]peerCase, n)
	for i, s := range c.sources {
		cases[i] = peerCase{idx: i, ch: s.Ch}
	}
	outstanding := n
	merged := mergeResults(cases)
	defer drainUnread(merged)

	satisfied := func() bool {
		oldOK, oldOut := jm.count(byPeer, jm.OldMembers)
		newOK, newOut := jm.count(byPeer, jm.NewMembers)
		if oldOK >= jm.oldNeed() && newOK >= jm.newNeed() {
			return true
		}
		_ = oldOut
		_ = newOut
		return false
	}
	unsatisfiable := func() bool {
		oldOK, oldOut := jm.count(byPeer, jm.OldMembers)
		newOK, newOut := jm.count(byPeer, jm.NewMembers)
		return oldOK+oldOut < jm.oldNeed() || newOK+newOut < jm.newNeed()
	}

	for outstanding > 0 {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-c.cancelCh:
			return results, raftapi.ErrShutdown
		case r, ok := <-merged:
			if !ok {
				outstanding = 0
				continue
			}
			results[r.idx] = &r.result
			outstanding--
			byPeer[r.result.PeerID] = r.result.Err == nil
			if satisfied() {
				return results, nil
			}
			if unsatisfiable() {
				return results, raftapi.ErrInsufficientFutures
			}
		}
	}
	if satisfied() {
		return results, nil
	}
	return results, raftapi.ErrInsufficientFutures
}

type peerCase struct {
	idx int
	ch  <-chan Result
}

type indexedResult struct {
	idx    int
	result Result
}

// mergeResults fans the per-peer channels into a single channel the select
// loop above can read from uniformly, tagging each value with its source
// index so results stay position-preserving.
func mergeResults(cases []peerCase) <-chan indexedResult {
	out := make(chan indexedResult, len(cases))
	var wg sync.WaitGroup
	wg.Add(len(cases))
	for _, c := range cases {
		go func(c peerCase) {
			defer wg.Done()
			v, ok := <-c.ch
			if !ok {
				return
			}
			out <- indexedResult{idx: c.idx, result: v}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// drainUnread prevents goroutine leaks when Wait returns before every
// source has produced a value (cancellation, ctx deadline, early
// satisfaction). out is buffered to hold one entry per source, so the
// merge goroutines in mergeResults never block on send regardless of
// whether anyone keeps reading — this drain just reclaims the buffered
// values in the background so it never itself blocks Wait's return.
func drainUnread(ch <-chan indexedResult) {
	go func() {
		for range ch {
		}
	}()
}
