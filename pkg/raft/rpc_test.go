package raft

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/raftcore/pkg/fsm/kv"
	"github.com/cuemby/raftcore/pkg/persistence/boltstore"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport"
	"github.com/cuemby/raftcore/pkg/transport/inmem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUnstartedNode builds a Node with its log recovered but run() not
// launched, so handleRequestVote/handleAppendEntries/handleInstallSnapshot
// can be exercised directly and synchronously.
func newUnstartedNode(t *testing.T, id raftapi.NodeID) *Node {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n, err := New(Config{
		NodeID:       id,
		Bootstrap:    raftapi.NewSingleConfig(id, "peer"),
		Transport:    inmem.New(inmem.NewNetwork()),
		Persistence:  store,
		StateMachine: kv.New(0),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	boot, err := n.rlog.load(ctx)
	require.NoError(t, err)
	n.currentTerm = boot.CurrentTerm
	n.votedFor = boot.VotedFor
	n.currentConfig = n.cfg.Bootstrap.Clone()
	return n
}

func mustSetCmd(t *testing.T, key, value string) []byte {
	t.Helper()
	b, err := json.Marshal(kv.Command{Op: "set", Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return b
}

func TestHandleRequestVote_GrantsWhenLogUpToDateAndUnvoted(t *testing.T) {
	n := newUnstartedNode(t, "n1")
	reply, stepDown := n.handleRequestVote(context.Background(), &transport.RequestVoteArgs{
		Term: 1, CandidateID: "peer",
	})
	assert.True(t, reply.VoteGranted)
	assert.True(t, stepDown)
	assert.Equal(t, raftapi.NodeID("peer"), n.votedFor)
}

func TestHandleRequestVote_DeniesStaleTerm(t *testing.T) {
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 5
	reply, _ := n.handleRequestVote(context.Background(), &transport.RequestVoteArgs{
		Term: 3, CandidateID: "peer",
	})
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, raftapi.Term(5), reply.Term)
}

func TestHandleRequestVote_DeniesWhenAlreadyVotedForOther(t *testing.T) {
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 1
	n.votedFor = "other"
	reply, _ := n.handleRequestVote(context.Background(), &transport.RequestVoteArgs{
		Term: 1, CandidateID: "peer",
	})
	assert.False(t, reply.VoteGranted)
}

func TestHandleRequestVote_DeniesStaleCandidateLog(t *testing.T) {
	ctx := context.Background()
	n := newUnstartedNode(t, "n1")
	require.NoError(t, n.rlog.append(ctx, []raftapi.LogEntry{{Term: 2, Index: 1}}))
	n.currentTerm = 2

	reply, _ := n.handleRequestVote(ctx, &transport.RequestVoteArgs{
		Term: 2, CandidateID: "peer", LastLogTerm: 0, LastLogIndex: 1,
	})
	assert.False(t, reply.VoteGranted)
}

func TestHandleAppendEntries_RejectsOnLogMismatch(t *testing.T) {
	ctx := context.Background()
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 1

	reply, _ := n.handleAppendEntries(ctx, &transport.AppendEntriesArgs{
		Term: 1, LeaderID: "peer", PrevLogIndex: 5, PrevLogTerm: 1,
	})
	assert.False(t, reply.Success)
	require.NotNil(t, reply.ConflictHint)
}

func TestHandleAppendEntries_AppendsAndAdvancesCommit(t *testing.T) {
	ctx := context.Background()
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 1

	entries := []raftapi.LogEntry{
		{Term: 1, Index: 1, Kind: raftapi.EntryCommand, Command: mustSetCmd(t, "a", "1")},
	}
	reply, stepDown := n.handleAppendEntries(ctx, &transport.AppendEntriesArgs{
		Term: 1, LeaderID: "peer", Entries: entries, LeaderCommit: 1,
	})
	assert.True(t, reply.Success)
	assert.False(t, stepDown)
	assert.Equal(t, raftapi.Index(1), reply.MatchIndex)
	assert.Equal(t, raftapi.Index(1), n.commitIndex)
	assert.Equal(t, raftapi.Index(1), n.lastApplied)
}

func TestHandleAppendEntries_CandidateStepsDownOnCurrentTermLeader(t *testing.T) {
	ctx := context.Background()
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 1
	n.role = raftapi.Candidate

	_, stepDown := n.handleAppendEntries(ctx, &transport.AppendEntriesArgs{
		Term: 1, LeaderID: "peer",
	})
	assert.True(t, stepDown)
	assert.Equal(t, raftapi.Follower, n.role)
	assert.Equal(t, raftapi.NodeID("peer"), n.leaderHint)
}

func TestHandleAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	ctx := context.Background()
	n := newUnstartedNode(t, "n1")
	n.currentTerm = 2
	require.NoError(t, n.rlog.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1, Kind: raftapi.EntryCommand, Command: mustSetCmd(t, "a", "1")},
		{Term: 1, Index: 2, Kind: raftapi.EntryCommand, Command: mustSetCmd(t, "b", "2")},
	}))

	newEntries := []raftapi.LogEntry{
		{Term: 2, Index: 2, Kind: raftapi.EntryCommand, Command: mustSetCmd(t, "b", "replaced")},
	}
	reply, _ := n.handleAppendEntries(ctx, &transport.AppendEntriesArgs{
		Term: 2, LeaderID: "peer", PrevLogIndex: 1, PrevLogTerm: 1, Entries: newEntries,
	})
	assert.True(t, reply.Success)

	e, ok := n.rlog.entryAt(2)
	require.True(t, ok)
	assert.Equal(t, raftapi.Term(2), e.Term)
}
