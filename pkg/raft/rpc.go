package raft

import (
	"context"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport"
)

type appendEntriesCall struct {
	args   *transport.AppendEntriesArgs
	respCh chan *transport.AppendEntriesReply
}

type requestVoteCall struct {
	args   *transport.RequestVoteArgs
	respCh chan *transport.RequestVoteReply
}

type installSnapshotCall struct {
	args   *transport.InstallSnapshotArgs
	respCh chan *transport.InstallSnapshotReply
}

type submitCall struct {
	clientID string
	serial   uint64
	command  []byte
	timeout  time.Duration
	resultCh chan submitResult
}

type submitResult struct {
	value []byte
	err   error
}

type configCall struct {
	target   map[raftapi.NodeID]struct{}
	resultCh chan error
}

// NodeStatus is a point-in-time snapshot of a node's consensus state, for
// diagnostics and the CLI harness's status command.
type NodeStatus struct {
	NodeID      raftapi.NodeID
	Role        raftapi.Role
	Term        raftapi.Term
	CommitIndex raftapi.Index
	LastApplied raftapi.Index
	LeaderHint  raftapi.NodeID
}

type statusCall struct {
	resultCh chan NodeStatus
}

// HandleRequestVote implements transport.Handler by handing the RPC to
// the single run() goroutine and waiting for its decision.
func (n *Node) HandleRequestVote(ctx context.Context, args *transport.RequestVoteArgs) (*transport.RequestVoteReply, error) {
	call := requestVoteCall{args: args, respCh: make(chan *transport.RequestVoteReply, 1)}
	select {
	case n.requestVoteCh <- call:
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case reply := <-call.respCh:
		return reply, nil
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleAppendEntries implements transport.Handler.
func (n *Node) HandleAppendEntries(ctx context.Context, args *transport.AppendEntriesArgs) (*transport.AppendEntriesReply, error) {
	call := appendEntriesCall{args: args, respCh: make(chan *transport.AppendEntriesReply, 1)}
	select {
	case n.appendEntriesCh <- call:
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case reply := <-call.respCh:
		return reply, nil
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleInstallSnapshot implements transport.Handler.
func (n *Node) HandleInstallSnapshot(ctx context.Context, args *transport.InstallSnapshotArgs) (*transport.InstallSnapshotReply, error) {
	call := installSnapshotCall{args: args, respCh: make(chan *transport.InstallSnapshotReply, 1)}
	select {
	case n.installSnapshotCh <- call:
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case reply := <-call.respCh:
		return reply, nil
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleRequestVote runs on the run() goroutine. It returns the reply and
// whether this node must step down to follower as a result.
func (n *Node) handleRequestVote(ctx context.Context, r *transport.RequestVoteArgs) (*transport.RequestVoteReply, bool) {
	// A candidate no longer in our configuration cannot win a vote, full
	// stop — reject it without even considering the term, so a removed
	// node can never bump our term or disrupt the cluster (§4.1 Election).
	if !n.currentConfig.Contains(r.CandidateID) {
		return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, false
	}

	stepDown := n.stepDownIfNewerTerm(ctx, r.Term)

	if r.Term < n.currentTerm {
		return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, stepDown
	}

	if n.votedFor != "" && n.votedFor != r.CandidateID {
		return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, stepDown
	}

	// Candidate's log must be at least as up to date as ours (§5.4.1):
	// higher last term wins; on a tie, longer (or equal) log wins.
	ourLastTerm, ourLastIndex := n.rlog.lastTerm(), n.rlog.lastIndex()
	upToDate := r.LastLogTerm > ourLastTerm || (r.LastLogTerm == ourLastTerm && r.LastLogIndex >= ourLastIndex)
	if !upToDate {
		return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, stepDown
	}

	n.votedFor = r.CandidateID
	if err := n.cfg.Persistence.SaveTermAndVote(ctx, n.currentTerm, n.votedFor); err != nil {
		n.log.Error().Err(err).Msg("raft: persisting vote failed, denying it")
		n.votedFor = ""
		return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, stepDown
	}
	return &transport.RequestVoteReply{Term: n.currentTerm, VoteGranted: true}, true
}

// handleAppendEntries runs on the run() goroutine.
func (n *Node) handleAppendEntries(ctx context.Context, r *transport.AppendEntriesArgs) (*transport.AppendEntriesReply, bool) {
	stepDown := n.stepDownIfNewerTerm(ctx, r.Term)

	if r.Term < n.currentTerm {
		return &transport.AppendEntriesReply{Term: n.currentTerm, Success: false}, stepDown
	}

	// A valid leader for our term: remember it and recognize it (even a
	// candidate must step down to a current-term leader, §5.2).
	if n.role != raftapi.Follower {
		n.role = raftapi.Follower
		n.setRoleMetric(raftapi.Follower)
		stepDown = true
	}
	n.leaderHint = r.LeaderID

	// Log-matching check.
	if r.PrevLogIndex > 0 {
		term, ok := n.rlog.termAt(r.PrevLogIndex)
		if !ok || term != r.PrevLogTerm {
			return &transport.AppendEntriesReply{
				Term:         n.currentTerm,
				Success:      false,
				ConflictHint: n.rlog.conflictHint(r.PrevLogIndex),
			}, stepDown
		}
	}

	// Truncate any conflicting suffix, then append new entries (§5.3: "If
	// an existing entry conflicts with a new one (same index, different
	// terms), delete the existing entry and all that follow it").
	for _, e := range r.Entries {
		existingTerm, ok := n.rlog.termAt(e.Index)
		if ok && existingTerm != e.Term {
			if err := n.rlog.truncateSuffix(ctx, e.Index); err != nil {
				n.log.Error().Err(err).Msg("raft: truncating conflicting log suffix failed")
				return &transport.AppendEntriesReply{Term: n.currentTerm, Success: false}, stepDown
			}
			break
		}
	}

	var toAppend []raftapi.LogEntry
	for _, e := range r.Entries {
		if existingTerm, ok := n.rlog.termAt(e.Index); ok && existingTerm == e.Term {
			continue // already have it
		}
		toAppend = append(toAppend, e)
	}
	if len(toAppend) > 0 {
		if err := n.rlog.append(ctx, toAppend); err != nil {
			n.log.Error().Err(err).Msg("raft: appending replicated entries failed")
			return &transport.AppendEntriesReply{Term: n.currentTerm, Success: false}, stepDown
		}
		for _, e := range toAppend {
			if e.Kind == raftapi.EntryConfiguration && e.Configuration != nil {
				n.currentConfig = e.Configuration.Clone()
			}
		}
	}

	if r.LeaderCommit > n.commitIndex {
		n.commitIndex = minIndex(r.LeaderCommit, n.rlog.lastIndex())
		n.applyCommitted(ctx)
	}

	return &transport.AppendEntriesReply{
		Term:       n.currentTerm,
		Success:    true,
		MatchIndex: n.rlog.lastIndex(),
	}, stepDown
}

// handleInstallSnapshot runs on the run() goroutine.
func (n *Node) handleInstallSnapshot(ctx context.Context, r *transport.InstallSnapshotArgs) (*transport.InstallSnapshotReply, bool) {
	stepDown := n.stepDownIfNewerTerm(ctx, r.Term)
	if r.Term < n.currentTerm {
		return &transport.InstallSnapshotReply{Term: n.currentTerm}, stepDown
	}
	n.leaderHint = r.LeaderID

	if err := n.acceptSnapshotChunk(ctx, r); err != nil {
		n.log.Error().Err(err).Msg("raft: installing snapshot chunk failed")
	}
	return &transport.InstallSnapshotReply{Term: n.currentTerm}, stepDown
}

func minIndex(a, b raftapi.Index) raftapi.Index {
	if a < b {
		return a
	}
	return b
}
