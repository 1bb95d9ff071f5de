package raftapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSingleConfig_NotJoint(t *testing.T) {
	c := NewSingleConfig("n1", "n2", "n3")
	assert.False(t, c.IsJoint())
	assert.True(t, c.Contains("n1"))
	assert.False(t, c.Contains("n4"))
}

func TestClusterConfig_CloneIsDeepCopy(t *testing.T) {
	orig := NewSingleConfig("n1", "n2")
	clone := orig.Clone()

	clone.Members["n3"] = struct{}{}
	assert.False(t, orig.Contains("n3"), "mutating the clone must not affect the original")

	orig.Members["n4"] = struct{}{}
	assert.False(t, clone.Contains("n4"), "mutating the original must not affect the clone")
}

func TestClusterConfig_CloneCopiesJointOldMembers(t *testing.T) {
	orig := &ClusterConfig{
		Members: map[NodeID]struct{}{"n1": {}, "n2": {}},
		Joint:   &JointConfig{OldMembers: map[NodeID]struct{}{"n1": {}}},
	}
	clone := orig.Clone()
	require.True(t, clone.IsJoint())

	clone.Joint.OldMembers["n2"] = struct{}{}
	assert.NotContains(t, orig.Joint.OldMembers, NodeID("n2"))
}

func TestClusterConfig_CloneNil(t *testing.T) {
	var c *ClusterConfig
	assert.Nil(t, c.Clone())
	assert.False(t, c.IsJoint())
	assert.False(t, c.Contains("n1"))
}

func TestMajority(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, tc := range cases {
		members := make(map[NodeID]struct{}, tc.n)
		for i := 0; i < tc.n; i++ {
			members[NodeID(rune('a'+i))] = struct{}{}
		}
		assert.Equal(t, tc.want, Majority(members))
	}
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "follower", Follower.String())
	assert.Equal(t, "candidate", Candidate.String())
	assert.Equal(t, "leader", Leader.String())
	assert.Equal(t, "unknown", Role(99).String())
}

func TestEntryKind_String(t *testing.T) {
	assert.Equal(t, "command", EntryCommand.String())
	assert.Equal(t, "configuration", EntryConfiguration.String())
	assert.Equal(t, "no-op", EntryNoOp.String())
	assert.Equal(t, "unknown", EntryKind(99).String())
}

func TestConflictHint_StringNilSafe(t *testing.T) {
	var h *ConflictHint
	assert.Equal(t, "<none>", h.String())

	h = &ConflictHint{ConflictTerm: 3, ConflictFirstIndex: 7}
	assert.Equal(t, "term=3 first_index=7", h.String())
}

func TestTransportErrorKind_Retryable(t *testing.T) {
	retryable := []TransportErrorKind{KindNetworkTimeout, KindConnectionRefused, KindNetworkUnreachable, KindTemporaryFailure, KindUnknown}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}

	fatal := []TransportErrorKind{KindSerializationError, KindProtocolError}
	for _, k := range fatal {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestNotLeaderError_MessageWithAndWithoutHint(t *testing.T) {
	e := &NotLeaderError{}
	assert.Contains(t, e.Error(), "no known leader hint")

	e = &NotLeaderError{Hint: "n2"}
	assert.Contains(t, e.Error(), "n2")
}

func TestStateMachineFailureError_Unwraps(t *testing.T) {
	inner := errors.New("boom")
	e := &StateMachineFailureError{Index: 4, Inner: inner}
	assert.ErrorIs(t, e, inner)
}

func TestTransportError_Unwraps(t *testing.T) {
	inner := errors.New("connection reset")
	e := &TransportError{Kind: KindConnectionRefused, Inner: inner}
	assert.ErrorIs(t, e, inner)

	var target *TransportError
	assert.True(t, errors.As(e, &target))
	assert.Equal(t, KindConnectionRefused, target.Kind)
}
