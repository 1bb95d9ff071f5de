package raft

import (
	"context"
	"fmt"

	"github.com/cuemby/raftcore/pkg/persistence"
	"github.com/cuemby/raftcore/pkg/raftapi"
)

// raftLog is an in-memory cache of the log suffix not yet covered by a
// snapshot, kept durable via persistence.Store. Every mutating method
// also durably persists before returning success, matching §6's
// durability contract. Not safe for concurrent use — the Node's single
// run() goroutine is the only caller.
type raftLog struct {
	store persistence.Store

	// entries[i] has Index == firstIndex+raftapi.Index(i).
	entries    []raftapi.LogEntry
	firstIndex raftapi.Index // 0 when the log (and any snapshot) is empty

	lastSnapshot *raftapi.SnapshotMeta
}

func newRaftLog(store persistence.Store) *raftLog {
	return &raftLog{store: store}
}

// load recovers log state from the store on boot.
func (l *raftLog) load(ctx context.Context) (persistence.BootState, error) {
	boot, err := l.store.LoadOnStart(ctx)
	if err != nil {
		return boot, err
	}
	l.lastSnapshot = boot.Snapshot
	if boot.LastLogIndex == 0 {
		l.firstIndex = 0
		l.entries = nil
		return boot, nil
	}
	from := boot.FirstLogIndex
	entries, err := l.store.Entries(ctx, from, boot.LastLogIndex)
	if err != nil {
		return boot, fmt.Errorf("raft: loading log entries [%d,%d] on boot: %w", from, boot.LastLogIndex, err)
	}
	l.firstIndex = from
	l.entries = entries
	return boot, nil
}

// lastIndex returns the index of the last entry in the log, or the
// snapshot's last-included index if the log suffix is empty, or 0 if
// there's neither.
func (l *raftLog) lastIndex() raftapi.Index {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	if l.lastSnapshot != nil {
		return l.lastSnapshot.LastIncludedIndex
	}
	return 0
}

// lastTerm returns the term of the last entry, or the snapshot's term if
// the log suffix is empty, or 0.
func (l *raftLog) lastTerm() raftapi.Term {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	if l.lastSnapshot != nil {
		return l.lastSnapshot.LastIncludedTerm
	}
	return 0
}

// termAt returns the term of the entry at index, or false if index
// predates the snapshot boundary (and isn't exactly the snapshot's last
// included index) or postdates the log.
func (l *raftLog) termAt(index raftapi.Index) (raftapi.Term, bool) {
	if index == 0 {
		return 0, true
	}
	if l.lastSnapshot != nil && index == l.lastSnapshot.LastIncludedIndex {
		return l.lastSnapshot.LastIncludedTerm, true
	}
	i := l.offsetOf(index)
	if i < 0 || i >= len(l.entries) {
		return 0, false
	}
	return l.entries[i].Term, true
}

// offsetOf converts a log index into an offset into l.entries.
func (l *raftLog) offsetOf(index raftapi.Index) int {
	if l.firstIndex == 0 {
		return -1
	}
	return int(index) - int(l.firstIndex)
}

// entryAt returns the entry at index, if present in the in-memory suffix.
func (l *raftLog) entryAt(index raftapi.Index) (raftapi.LogEntry, bool) {
	i := l.offsetOf(index)
	if i < 0 || i >= len(l.entries) {
		return raftapi.LogEntry{}, false
	}
	return l.entries[i], true
}

// entriesFrom returns every entry at index >= from.
func (l *raftLog) entriesFrom(from raftapi.Index) []raftapi.LogEntry {
	i := l.offsetOf(from)
	if i < 0 {
		i = 0
	}
	if i >= len(l.entries) {
		return nil
	}
	out := make([]raftapi.LogEntry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// append durably appends entries (which must be contiguous with the
// existing log) and updates the in-memory cache.
func (l *raftLog) append(ctx context.Context, entries []raftapi.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.store.AppendEntries(ctx, entries); err != nil {
		return fmt.Errorf("raft: persisting %d log entries: %w", len(entries), err)
	}
	if l.firstIndex == 0 {
		l.firstIndex = entries[0].Index
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// truncateSuffix durably removes every entry at index >= from and drops
// it from the in-memory cache, used to resolve a log-matching conflict.
func (l *raftLog) truncateSuffix(ctx context.Context, from raftapi.Index) error {
	if err := l.store.TruncateSuffix(ctx, from); err != nil {
		return fmt.Errorf("raft: truncating log suffix from %d: %w", from, err)
	}
	i := l.offsetOf(from)
	if i < 0 {
		i = 0
	}
	if i < len(l.entries) {
		l.entries = l.entries[:i]
	}
	if len(l.entries) == 0 {
		// keep firstIndex as-is; a future append will just extend from
		// wherever the snapshot boundary or prior truncation left it.
	}
	return nil
}

// installSnapshot replaces the log's head with a new snapshot: every
// entry at index <= meta.LastIncludedIndex is discarded from the
// in-memory cache (and, via the store, from durable storage), and
// subsequent appends are expected to start after it.
func (l *raftLog) installSnapshot(ctx context.Context, meta raftapi.SnapshotMeta, data []byte) error {
	if err := l.store.SaveSnapshot(ctx, meta, data); err != nil {
		return fmt.Errorf("raft: persisting snapshot up to index %d: %w", meta.LastIncludedIndex, err)
	}
	i := l.offsetOf(meta.LastIncludedIndex)
	if i >= 0 && i+1 <= len(l.entries) {
		l.entries = l.entries[i+1:]
	} else {
		l.entries = nil
	}
	l.firstIndex = meta.LastIncludedIndex + 1
	l.lastSnapshot = &meta
	return nil
}

// conflictHint computes the fast-recovery hint (§4.1) for a follower that
// rejected an AppendEntries at prevLogIndex: the term of the entry
// actually at that index (if any) and the first index in the log holding
// that term.
func (l *raftLog) conflictHint(prevLogIndex raftapi.Index) *raftapi.ConflictHint {
	entry, ok := l.entryAt(prevLogIndex)
	if !ok {
		// we don't even have an entry there: point the leader at the
		// index just past our last entry, with term 0 so the leader's
		// "find first index of conflictTerm" search falls through to
		// conflictFirstIndex directly.
		return &raftapi.ConflictHint{ConflictTerm: 0, ConflictFirstIndex: l.lastIndex() + 1}
	}
	term := entry.Term
	first := prevLogIndex
	for {
		i := l.offsetOf(first - 1)
		if i < 0 || i >= len(l.entries) || l.entries[i].Term != term {
			break
		}
		first--
	}
	return &raftapi.ConflictHint{ConflictTerm: term, ConflictFirstIndex: first}
}

// firstIndexOfTerm returns the first index in the in-memory log holding
// term, if any — used by a leader resolving a follower's conflict hint.
func (l *raftLog) firstIndexOfTerm(term raftapi.Term) (raftapi.Index, bool) {
	for _, e := range l.entries {
		if e.Term == term {
			return e.Index, true
		}
	}
	return 0, false
}
