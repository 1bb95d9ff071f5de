// Package configsync implements the configuration synchronizer (§4.4): it
// serializes joint-consensus membership changes through the
// idle -> phase1_waiting -> phase2_waiting -> idle state machine, and
// surfaces per-phase completion (or rollback) to the original caller.
//
// The synchronizer itself never appends log entries or talks to peers —
// it only tracks phase and indices and tells the node what to append
// next. The consensus node wires it to the log and the commit-waiter.
package configsync

import (
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// State is the synchronizer's current phase.
type State uint8

const (
	StateIdle State = iota
	StatePhase1Waiting
	StatePhase2Waiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePhase1Waiting:
		return "phase1_waiting"
	case StatePhase2Waiting:
		return "phase2_waiting"
	default:
		return "unknown"
	}
}

// Synchronizer tracks a single in-flight joint-consensus change. Zero
// value is ready to use (starts idle).
type Synchronizer struct {
	mu sync.Mutex

	state      State
	oldMembers map[raftapi.NodeID]struct{}
	newMembers map[raftapi.NodeID]struct{}
	jointIndex raftapi.Index
	finalIndex raftapi.Index
	resultCh   chan error
}

// New returns an idle Synchronizer.
func New() *Synchronizer {
	return &Synchronizer{state: StateIdle}
}

// State reports the current phase.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InProgress reports whether a change is currently in flight.
func (s *Synchronizer) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

// BeginChange starts a joint-consensus transition from current to target.
// It returns the joint ClusterConfig the caller must append as a log
// entry and adopt immediately (§4.4 step 2: "even uncommitted
// configuration entries take effect"), plus a channel that receives the
// change's terminal outcome (nil on success). Returns
// raftapi.ErrChangeInProgress if a change is already in flight.
func (s *Synchronizer) BeginChange(current *raftapi.ClusterConfig, target map[raftapi.NodeID]struct{}) (*raftapi.ClusterConfig, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, nil, raftapi.ErrChangeInProgress
	}

	old := make(map[raftapi.NodeID]struct{}, len(current.Members))
	for id := range current.Members {
		old[id] = struct{}{}
	}
	newSet := make(map[raftapi.NodeID]struct{}, len(target))
	for id := range target {
		newSet[id] = struct{}{}
	}

	joint := &raftapi.ClusterConfig{
		Members: newSet,
		Joint:   &raftapi.JointConfig{OldMembers: old},
	}

	s.state = StatePhase1Waiting
	s.oldMembers = old
	s.newMembers = newSet
	s.jointIndex = 0
	s.finalIndex = 0
	s.resultCh = make(chan error, 1)

	return joint, s.resultCh, nil
}

// RecordJointAppended tells the synchronizer at which log index the joint
// entry from BeginChange landed, so JointCommitted can recognize its
// commit.
func (s *Synchronizer) RecordJointAppended(index raftapi.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePhase1Waiting {
		s.jointIndex = index
	}
}

// JointCommitted should be called whenever any log index commits. If
// index is the in-flight joint entry's index, it returns the final
// ClusterConfig to append next (members = target, joint = nil) and
// advances to phase2_waiting. ok is false if index doesn't correspond to
// the joint entry currently being waited on (caller should ignore).
func (s *Synchronizer) JointCommitted(index raftapi.Index) (final *raftapi.ClusterConfig, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePhase1Waiting || s.jointIndex == 0 || index != s.jointIndex {
		return nil, false
	}

	s.state = StatePhase2Waiting
	return &raftapi.ClusterConfig{Members: s.newMembers}, true
}

// RecordFinalAppended tells the synchronizer at which log index the final
// entry from JointCommitted landed.
func (s *Synchronizer) RecordFinalAppended(index raftapi.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePhase2Waiting {
		s.finalIndex = index
	}
}

// FinalCommitted should be called whenever any log index commits. If
// index is the in-flight final entry's index, the change completes
// successfully, the caller's result channel receives nil, and the
// synchronizer returns to idle. Returns true if this call resolved the
// in-flight change.
func (s *Synchronizer) FinalCommitted(index raftapi.Index) bool {
	s.mu.Lock()
	if s.state != StatePhase2Waiting || s.finalIndex == 0 || index != s.finalIndex {
		s.mu.Unlock()
		return false
	}
	resultCh := s.resultCh
	s.reset()
	s.mu.Unlock()

	resultCh <- nil
	return true
}

// Rollback aborts an in-flight change (e.g. on leadership loss), delivers
// reason on the caller's result channel, and returns to idle. No-op if no
// change is in flight.
func (s *Synchronizer) Rollback(reason error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	resultCh := s.resultCh
	s.reset()
	s.mu.Unlock()

	resultCh <- reason
}

// reset returns the synchronizer to idle. Caller must hold s.mu.
func (s *Synchronizer) reset() {
	s.state = StateIdle
	s.oldMembers = nil
	s.newMembers = nil
	s.jointIndex = 0
	s.finalIndex = 0
	s.resultCh = nil
}

// CurrentQuorumSets returns the old and new membership sets of the
// in-flight joint configuration, for wiring into
// future.JointMajority/Collector.WaitJoint. ok is false when idle.
func (s *Synchronizer) CurrentQuorumSets() (old, new map[raftapi.NodeID]struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return nil, nil, false
	}
	return s.oldMembers, s.newMembers, true
}

// AdoptDanglingJoint lets a newly-elected leader decide the fate of a
// joint configuration entry it inherited uncommitted from a predecessor
// (§4.4 Rollback): either complete it — calling this helper, which puts
// the synchronizer in phase1_waiting on jointIndex — or leave it for the
// original proposer's client to retry. This helper exists mainly to give
// that decision a named place in the API; the node makes the actual
// choice.
func (s *Synchronizer) AdoptDanglingJoint(jointIndex raftapi.Index, old, newMembers map[raftapi.NodeID]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("configsync: cannot adopt dangling joint entry while state=%s", s.state)
	}
	s.state = StatePhase1Waiting
	s.oldMembers = old
	s.newMembers = newMembers
	s.jointIndex = jointIndex
	s.resultCh = make(chan error, 1)
	return nil
}
