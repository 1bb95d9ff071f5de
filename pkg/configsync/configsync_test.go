package configsync

import (
	"errors"
	"testing"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterOf(ids ...raftapi.NodeID) *raftapi.ClusterConfig {
	members := make(map[raftapi.NodeID]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return &raftapi.ClusterConfig{Members: members}
}

func TestSynchronizer_FullHappyPath(t *testing.T) {
	s := New()
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.InProgress())

	current := clusterOf("n1", "n2", "n3")
	target := map[raftapi.NodeID]struct{}{"n1": {}, "n2": {}, "n4": {}}

	joint, resultCh, err := s.BeginChange(current, target)
	require.NoError(t, err)
	require.NotNil(t, joint.Joint)
	assert.Equal(t, StatePhase1Waiting, s.State())
	assert.True(t, s.InProgress())

	s.RecordJointAppended(10)

	old, newSet, ok := s.CurrentQuorumSets()
	require.True(t, ok)
	assert.Contains(t, old, raftapi.NodeID("n3"))
	assert.Contains(t, newSet, raftapi.NodeID("n4"))

	// committing an unrelated index should not advance the phase
	_, advanced := s.JointCommitted(9)
	assert.False(t, advanced)
	assert.Equal(t, StatePhase1Waiting, s.State())

	final, advanced := s.JointCommitted(10)
	require.True(t, advanced)
	assert.Nil(t, final.Joint)
	assert.Equal(t, StatePhase2Waiting, s.State())

	s.RecordFinalAppended(11)

	assert.False(t, s.FinalCommitted(10))
	assert.True(t, s.FinalCommitted(11))
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, <-resultCh)
}

func TestSynchronizer_BeginChangeRejectsConcurrent(t *testing.T) {
	s := New()
	current := clusterOf("n1", "n2", "n3")
	_, _, err := s.BeginChange(current, map[raftapi.NodeID]struct{}{"n1": {}})
	require.NoError(t, err)

	_, _, err = s.BeginChange(current, map[raftapi.NodeID]struct{}{"n2": {}})
	assert.ErrorIs(t, err, raftapi.ErrChangeInProgress)
}

func TestSynchronizer_RollbackDuringPhase1(t *testing.T) {
	s := New()
	current := clusterOf("n1", "n2", "n3")
	_, resultCh, err := s.BeginChange(current, map[raftapi.NodeID]struct{}{"n1": {}})
	require.NoError(t, err)

	reason := errors.New("leadership lost")
	s.Rollback(reason)

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, reason, <-resultCh)
}

func TestSynchronizer_RollbackWhenIdleIsNoOp(t *testing.T) {
	s := New()
	s.Rollback(errors.New("nothing in flight"))
	assert.Equal(t, StateIdle, s.State())
}

func TestSynchronizer_CurrentQuorumSetsWhenIdle(t *testing.T) {
	s := New()
	_, _, ok := s.CurrentQuorumSets()
	assert.False(t, ok)
}

func TestSynchronizer_AdoptDanglingJoint(t *testing.T) {
	s := New()
	old := map[raftapi.NodeID]struct{}{"n1": {}}
	newSet := map[raftapi.NodeID]struct{}{"n2": {}}

	require.NoError(t, s.AdoptDanglingJoint(5, old, newSet))
	assert.Equal(t, StatePhase1Waiting, s.State())

	err := s.AdoptDanglingJoint(6, old, newSet)
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "phase1_waiting", StatePhase1Waiting.String())
	assert.Equal(t, "phase2_waiting", StatePhase2Waiting.String())
}
