package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/raftcore/pkg/errcls"
	"github.com/cuemby/raftcore/pkg/future"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/session"
	"github.com/cuemby/raftcore/pkg/transport"
)

// errMatchBehind marks a future.Result standing in for a peer whose
// known match_index has not yet reached the index under consideration,
// so future.Strategy counts it as a failure rather than a transport error.
var errMatchBehind = errors.New("raft: match index behind")

type appendResult struct {
	peer       raftapi.NodeID
	reply      *transport.AppendEntriesReply
	err        error
	sentPrev   raftapi.Index
	sentLastAt raftapi.Index // index of the last entry in this batch, if any
}

type installResult struct {
	peer  raftapi.NodeID
	reply *transport.InstallSnapshotReply
	err   error
	meta  raftapi.SnapshotMeta
}

// leaderLoop runs while role == Leader: it replicates on every heartbeat
// tick and whenever a command or configuration change is submitted, and
// advances commit_index as AppendEntries replies come back.
func (n *Node) leaderLoop() bool {
	ctx := context.Background()
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	appendResultCh := make(chan appendResult, 64)
	installResultCh := make(chan installResult, 8)

	n.replicateToAll(ctx, appendResultCh, installResultCh)

	for {
		select {
		case <-n.stopCh:
			return false

		case <-heartbeat.C:
			n.waiters.SweepTimeouts(time.Now())
			n.replicateToAll(ctx, appendResultCh, installResultCh)

		case r := <-appendResultCh:
			if n.handleAppendResult(ctx, r) {
				return true // stepped down
			}

		case r := <-installResultCh:
			if n.handleInstallResult(ctx, r) {
				return true
			}

		case call := <-n.requestVoteCh:
			reply, stepDown := n.handleRequestVote(ctx, call.args)
			call.respCh <- reply
			if stepDown {
				return true
			}

		case call := <-n.appendEntriesCh:
			reply, stepDown := n.handleAppendEntries(ctx, call.args)
			call.respCh <- reply
			if stepDown {
				return true
			}

		case call := <-n.installSnapshotCh:
			reply, stepDown := n.handleInstallSnapshot(ctx, call.args)
			call.respCh <- reply
			if stepDown {
				return true
			}

		case call := <-n.submitCh:
			n.handleSubmit(ctx, call)
			n.replicateToAll(ctx, appendResultCh, installResultCh)

		case call := <-n.configCh:
			n.handleProposeConfiguration(ctx, call)
			n.replicateToAll(ctx, appendResultCh, installResultCh)

		case call := <-n.statusCh:
			call.resultCh <- n.snapshotStatus()
		}
	}
}

// appendLeaderEntry appends entry (Term/Index filled in here) to the
// leader's own log and returns its index.
func (n *Node) appendLeaderEntry(ctx context.Context, entry raftapi.LogEntry) (raftapi.Index, error) {
	entry.Term = n.currentTerm
	entry.Index = n.rlog.lastIndex() + 1
	if err := n.rlog.append(ctx, []raftapi.LogEntry{entry}); err != nil {
		return 0, err
	}
	n.matchIndex[n.cfg.NodeID] = entry.Index
	return entry.Index, nil
}

func (n *Node) handleSubmit(ctx context.Context, call submitCall) {
	if call.clientID != "" {
		outcome, cached := n.sessions.Lookup(call.clientID, call.serial)
		switch outcome {
		case session.OutcomeInvalidSerial:
			call.resultCh <- submitResult{err: raftapi.ErrInvalidSerial}
			return
		case session.OutcomeExpired:
			call.resultCh <- submitResult{err: raftapi.ErrSessionExpired}
			return
		case session.OutcomeCached:
			call.resultCh <- submitResult{value: cached}
			return
		}
	}

	index, err := n.appendLeaderEntry(ctx, raftapi.LogEntry{
		Kind:     raftapi.EntryCommand,
		Command:  call.command,
		ClientID: call.clientID,
		Serial:   call.serial,
	})
	if err != nil {
		call.resultCh <- submitResult{err: fmt.Errorf("raft: appending command entry: %w", err)}
		return
	}

	timeout := call.timeout
	if timeout <= 0 {
		timeout = n.cfg.DefaultWaitTimeout
	}
	term := n.currentTerm
	regErr := n.waiters.Register(index, term,
		func(result []byte) { call.resultCh <- submitResult{value: result} },
		func(err error) { call.resultCh <- submitResult{err: err} },
		timeout,
	)
	if regErr != nil {
		call.resultCh <- submitResult{err: regErr}
	}
}

func (n *Node) handleProposeConfiguration(ctx context.Context, call configCall) {
	joint, resultCh, err := n.confSync.BeginChange(n.currentConfig, call.target)
	if err != nil {
		call.resultCh <- err
		return
	}
	n.currentConfig = joint.Clone() // adopt immediately, even uncommitted (§4.4)

	for peer := range call.target {
		if _, ok := n.nextIndex[peer]; !ok {
			n.nextIndex[peer] = n.rlog.lastIndex() + 1
			n.matchIndex[peer] = 0
		}
	}

	index, err := n.appendLeaderEntry(ctx, raftapi.LogEntry{Kind: raftapi.EntryConfiguration, Configuration: joint})
	if err != nil {
		n.confSync.Rollback(fmt.Errorf("raft: appending joint configuration entry: %w", err))
		call.resultCh <- <-resultCh
		return
	}
	n.confSync.RecordJointAppended(index)

	go func() {
		call.resultCh <- <-resultCh
	}()
}

// replicateToAll sends an AppendEntries (or InstallSnapshot, if the
// follower has fallen behind our snapshot boundary) to every peer,
// writing results to the given channels for the leaderLoop select to
// consume asynchronously.
func (n *Node) replicateToAll(ctx context.Context, appendCh chan<- appendResult, installCh chan<- installResult) {
	for _, peer := range n.allPeerIDs() {
		peer := peer
		next := n.nextIndex[peer]
		if next == 0 {
			next = n.rlog.lastIndex() + 1
			n.nextIndex[peer] = next
		}

		if n.rlog.lastSnapshot != nil && next <= n.rlog.lastSnapshot.LastIncludedIndex {
			go n.sendInstallSnapshot(ctx, peer, installCh)
			continue
		}

		prevIndex := next - 1
		prevTerm, _ := n.rlog.termAt(prevIndex)
		entries := n.rlog.entriesFrom(next)

		args := &transport.AppendEntriesArgs{
			Term:         n.currentTerm,
			LeaderID:     n.cfg.NodeID,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
		}
		var lastSent raftapi.Index
		if len(entries) > 0 {
			lastSent = entries[len(entries)-1].Index
		}
		go n.sendAppendEntries(ctx, peer, args, prevIndex, lastSent, appendCh)
	}
}

func (n *Node) sendAppendEntries(ctx context.Context, peer raftapi.NodeID, args *transport.AppendEntriesArgs, prevIndex, lastSent raftapi.Index, out chan<- appendResult) {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	var reply *transport.AppendEntriesReply
	err := errcls.Do(callCtx, n.cfg.RPCRetryPolicy, func(ctx context.Context) error {
		var err error
		reply, err = n.cfg.Transport.AppendEntries(ctx, peer, args)
		return err
	})
	timer.ObserveDurationVec(metrics.RPCLatency, "append_entries")
	if err != nil {
		metrics.RPCSentTotal.WithLabelValues("append_entries", "failure").Inc()
		kind := errcls.Classify(err)
		metrics.RPCFailuresByKind.WithLabelValues(kind.String()).Inc()
		out <- appendResult{peer: peer, err: err, sentPrev: prevIndex, sentLastAt: lastSent}
		return
	}
	metrics.RPCSentTotal.WithLabelValues("append_entries", "success").Inc()
	n.partDet.RecordSuccess(peer, time.Now())
	out <- appendResult{peer: peer, reply: reply, sentPrev: prevIndex, sentLastAt: lastSent}
}

// handleAppendResult processes one AppendEntries reply on the leaderLoop
// goroutine, advancing next_index/match_index and commit_index (§4.1
// replication, fast conflict recovery). Returns true if this node stepped
// down as a result.
func (n *Node) handleAppendResult(ctx context.Context, r appendResult) bool {
	if r.err != nil {
		n.nextIndex[r.peer] = max64(1, n.nextIndex[r.peer]-1)
		if n.partDet.Suspected(time.Now()) {
			metrics.PartitionSuspected.Inc()
		}
		return false
	}

	if n.stepDownIfNewerTerm(ctx, r.reply.Term) {
		return true
	}
	if r.reply.Term != n.currentTerm {
		return false
	}

	if r.reply.Success {
		if r.sentLastAt > n.matchIndex[r.peer] {
			n.matchIndex[r.peer] = r.sentLastAt
			n.nextIndex[r.peer] = r.sentLastAt + 1
		}
		n.advanceCommitIndex(ctx)
		return false
	}

	if r.reply.ConflictHint != nil {
		hint := r.reply.ConflictHint
		if idx, ok := n.rlog.firstIndexOfTerm(hint.ConflictTerm); ok {
			n.nextIndex[r.peer] = idx
		} else {
			n.nextIndex[r.peer] = hint.ConflictFirstIndex
		}
	} else if n.nextIndex[r.peer] > 1 {
		n.nextIndex[r.peer]--
	}
	return false
}

func max64(a, b raftapi.Index) raftapi.Index {
	if a > b {
		return a
	}
	return b
}

// advanceCommitIndex finds the highest N such that a majority (both
// quorums if joint) have match_index >= N and log[N].term == currentTerm
// (§5.4.2: a leader may only commit entries from its own term directly).
func (n *Node) advanceCommitIndex(ctx context.Context) {
	n.matchIndex[n.cfg.NodeID] = n.rlog.lastIndex()

	candidate := n.commitIndex
	for idx := n.rlog.lastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.rlog.termAt(idx)
		if !ok || term != n.currentTerm {
			continue
		}
		if n.quorumHasIndex(idx) {
			candidate = idx
			break
		}
	}
	if candidate > n.commitIndex {
		n.commitIndex = candidate
		timer := metrics.NewTimer()
		n.applyCommitted(ctx)
		timer.ObserveDuration(metrics.CommitDuration)
	}
}

// quorumHasIndex reports whether a (possibly joint) quorum's already-known
// match_index has reached idx. It replays that already-known state through
// the same future.Collector (§4.3) the election path uses, one
// pre-resolved future.Result per member, rather than hand-rolling the
// old/new counting a second time: every source is already buffered, so
// Wait/WaitJoint resolves immediately without blocking on any network
// activity, but the quorum arithmetic itself runs through the shared
// Strategy/JointMajority machinery.
func (n *Node) quorumHasIndex(idx raftapi.Index) bool {
	strategy, joint := n.quorumStrategy()

	members := n.currentConfig.Members
	if joint != nil {
		members = make(map[raftapi.NodeID]struct{}, len(joint.OldMembers)+len(joint.NewMembers))
		for id := range joint.OldMembers {
			members[id] = struct{}{}
		}
		for id := range joint.NewMembers {
			members[id] = struct{}{}
		}
	}

	sources := make([]future.Source, 0, len(members))
	for id := range members {
		ch := make(chan future.Result, 1)
		if n.matchIndex[id] >= idx {
			ch <- future.Result{PeerID: id}
		} else {
			ch <- future.Result{PeerID: id, Err: errMatchBehind}
		}
		sources = append(sources, future.Source{PeerID: id, Ch: ch})
	}

	collector := future.New(sources, strategy)
	var err error
	if joint != nil {
		_, err = collector.WaitJoint(context.Background(), *joint)
	} else {
		_, err = collector.Wait(context.Background())
	}
	return err == nil
}
