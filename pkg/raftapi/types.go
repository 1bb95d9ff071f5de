// Package raftapi holds the data model (§3) and error taxonomy (§7) shared
// by every other package in this module: the consensus node, the
// commit-waiter, the future-collector, the configuration synchronizer, the
// client session table, the snapshot manager, and the transport/
// persistence/state-machine adapters. It depends on nothing else in this
// module, so it is safe for all of them to import.
package raftapi

import "fmt"

// Term is a monotone-increasing election epoch.
type Term uint64

// Index is a 1-based, dense log position.
type Index uint64

// NodeID identifies a cluster member. Transports map NodeID to endpoints;
// this package doesn't care how.
type NodeID string

// EntryKind distinguishes the three payload variants a LogEntry can carry.
type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryConfiguration
	EntryNoOp
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "command"
	case EntryConfiguration:
		return "configuration"
	case EntryNoOp:
		return "no-op"
	default:
		return "unknown"
	}
}

// LogEntry is the fundamental unit of replication. Index and Term are set
// by the leader at append time and never change afterwards (leader
// append-only, log matching).
type LogEntry struct {
	Term  Term
	Index Index
	Kind  EntryKind

	// Command carries the opaque client payload when Kind == EntryCommand.
	Command []byte

	// Configuration carries the membership change when Kind == EntryConfiguration.
	Configuration *ClusterConfig

	// ClientID/Serial are populated when the command was submitted through
	// SubmitCommandWithSession, so the apply loop can update the session
	// table atomically with the state-machine apply (§4.5).
	ClientID string
	Serial   uint64
}

// JointConfig describes the old membership set during a joint-consensus
// transition (§4.4). A ClusterConfig with Joint == nil is a stable,
// single-majority configuration.
type JointConfig struct {
	OldMembers map[NodeID]struct{}
}

// ClusterConfig is the replicated membership view (§3).
type ClusterConfig struct {
	Members map[NodeID]struct{}
	Joint   *JointConfig
}

// NewSingleConfig builds a stable (non-joint) configuration from a member
// list.
func NewSingleConfig(members ...NodeID) *ClusterConfig {
	m := make(map[NodeID]struct{}, len(members))
	for _, id := range members {
		m[id] = struct{}{}
	}
	return &ClusterConfig{Members: m}
}

// IsJoint reports whether c is mid joint-consensus transition.
func (c *ClusterConfig) IsJoint() bool {
	return c != nil && c.Joint != nil
}

// Clone returns a deep copy, so callers can adopt a configuration without
// aliasing the leader's or a test's backing maps.
func (c *ClusterConfig) Clone() *ClusterConfig {
	if c == nil {
		return nil
	}
	out := &ClusterConfig{Members: make(map[NodeID]struct{}, len(c.Members))}
	for id := range c.Members {
		out.Members[id] = struct{}{}
	}
	if c.Joint != nil {
		old := make(map[NodeID]struct{}, len(c.Joint.OldMembers))
		for id := range c.Joint.OldMembers {
			old[id] = struct{}{}
		}
		out.Joint = &JointConfig{OldMembers: old}
	}
	return out
}

// Contains reports whether id is a voting member of the new (or only)
// configuration.
func (c *ClusterConfig) Contains(id NodeID) bool {
	if c == nil {
		return false
	}
	_, ok := c.Members[id]
	return ok
}

// Majority returns the number of votes/acks required for a majority of
// members.
func Majority(members map[NodeID]struct{}) int {
	return len(members)/2 + 1
}

// Role is a consensus node's current raft role.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// SnapshotMeta describes a point-in-time state-machine snapshot (§4.6).
type SnapshotMeta struct {
	LastIncludedIndex Index
	LastIncludedTerm  Term
	Configuration     *ClusterConfig
}

// ConflictHint lets a follower tell the leader which whole term to skip
// when an AppendEntries prev-log check fails, so next_index recovery
// doesn't require one round trip per entry.
type ConflictHint struct {
	ConflictTerm      Term
	ConflictFirstIndex Index
}

func (h *ConflictHint) String() string {
	if h == nil {
		return "<none>"
	}
	return fmt.Sprintf("term=%d first_index=%d", h.ConflictTerm, h.ConflictFirstIndex)
}
