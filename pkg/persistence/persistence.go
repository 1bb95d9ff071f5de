// Package persistence declares the durable-storage contract (§6) a
// consensus node needs: term/vote, the log suffix, and snapshots.
// pkg/persistence/boltstore is the reference bbolt-backed adapter.
package persistence

import (
	"context"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// BootState is everything a node needs to recover on restart.
type BootState struct {
	CurrentTerm   raftapi.Term
	VotedFor      raftapi.NodeID // empty if no vote cast this term
	FirstLogIndex raftapi.Index  // 0 if the log is empty
	LastLogIndex  raftapi.Index
	LastLogTerm   raftapi.Term
	Snapshot      *raftapi.SnapshotMeta // nil if no snapshot taken yet
}

// Store is the durability seam. Every method must fsync (or equivalent)
// before returning success: a Store that acknowledges a write it hasn't
// made durable violates the safety property the whole algorithm rests on.
type Store interface {
	// SaveTermAndVote persists the (term, votedFor) pair atomically with
	// whatever else is in flight, before a vote is granted or an
	// election started.
	SaveTermAndVote(ctx context.Context, term raftapi.Term, votedFor raftapi.NodeID) error

	// AppendEntries durably appends entries to the log. Entries must be
	// contiguous with the existing log (caller's responsibility).
	AppendEntries(ctx context.Context, entries []raftapi.LogEntry) error

	// TruncateSuffix removes every entry at index >= from, used to
	// resolve a log-matching conflict detected during AppendEntries
	// handling.
	TruncateSuffix(ctx context.Context, from raftapi.Index) error

	// Entries returns the log entries in [from, to], inclusive.
	Entries(ctx context.Context, from, to raftapi.Index) ([]raftapi.LogEntry, error)

	// TermAt returns the term of the entry at index, consulting the
	// snapshot metadata if index predates the in-log range.
	TermAt(ctx context.Context, index raftapi.Index) (raftapi.Term, error)

	// SaveSnapshot persists a new snapshot and discards log entries it
	// subsumes (<=  meta.LastIncludedIndex).
	SaveSnapshot(ctx context.Context, meta raftapi.SnapshotMeta, data []byte) error

	// LoadSnapshot returns the most recently saved snapshot bytes, or
	// (nil, nil, false) if none exists.
	LoadSnapshot(ctx context.Context) (*raftapi.SnapshotMeta, []byte, bool, error)

	// LoadOnStart returns everything needed to recover a Node on boot.
	LoadOnStart(ctx context.Context) (BootState, error)

	// Close releases underlying resources (file handles, connections).
	Close() error
}
