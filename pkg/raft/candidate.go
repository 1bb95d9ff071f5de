package raft

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/raftcore/pkg/errcls"
	"github.com/cuemby/raftcore/pkg/future"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport"
)

type voteResult struct {
	peer  raftapi.NodeID
	reply *transport.RequestVoteReply
	err   error
}

// errVoteNotGranted marks a future.Result as a non-grant (RPC succeeded
// but the peer declined, or answered for a different term) so the
// future.Collector counts it as a failure without confusing it with an
// RPC transport error.
var errVoteNotGranted = errors.New("raft: vote not granted")

// candidateLoop runs while role == Candidate: it solicits votes from
// every peer concurrently, then processes replies, incoming RPCs, and
// submissions in one select loop until it wins, loses, steps down, or
// times out into a new election (§4.1 election). Vote tallying against
// the (possibly joint) quorum is delegated to a future.Collector
// (§4.3) built over one future.Result source per peer, rather than
// hand-rolled counting; the raw per-reply channel is kept alongside it
// purely so a higher term is noticed and stepped down from immediately,
// which Collector.Wait's all-at-once return cannot do.
func (n *Node) candidateLoop() bool {
	ctx := context.Background()
	start := time.Now()
	metrics.ElectionsStarted.Inc()

	peers := n.allPeerIDs()
	voteResultCh := make(chan voteResult, max(1, len(peers)))
	args := &transport.RequestVoteArgs{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.NodeID,
		LastLogIndex: n.rlog.lastIndex(),
		LastLogTerm:  n.rlog.lastTerm(),
	}

	sources := make([]future.Source, 0, len(peers)+1)
	selfCh := make(chan future.Result, 1)
	selfCh <- future.Result{PeerID: n.cfg.NodeID}
	sources = append(sources, future.Source{PeerID: n.cfg.NodeID, Ch: selfCh})

	futureChans := make(map[raftapi.NodeID]chan future.Result, len(peers))
	for _, peer := range peers {
		fch := make(chan future.Result, 1)
		futureChans[peer] = fch
		sources = append(sources, future.Source{PeerID: peer, Ch: fch})
	}
	for _, peer := range peers {
		go n.sendRequestVote(ctx, peer, args, voteResultCh, futureChans[peer])
	}

	strategy, joint := n.quorumStrategy()
	collector := future.New(sources, strategy)
	defer collector.Cancel()

	electionDoneCh := make(chan error, 1)
	go func() {
		if joint != nil {
			_, err := collector.WaitJoint(ctx, *joint)
			electionDoneCh <- err
			return
		}
		_, err := collector.Wait(ctx)
		electionDoneCh <- err
	}()

	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return false

		case err := <-electionDoneCh:
			if err == nil {
				return n.becomeLeader(ctx, start)
			}
			// Unsatisfiable (can never reach quorum this term) or
			// shutdown: keep dispatching other RPCs until the
			// election timer elapses and starts a fresh term.
			n.log.Debug().Err(err).Msg("raft: election quorum unreachable this term")

		case vr := <-voteResultCh:
			if vr.err != nil {
				n.log.Debug().Err(vr.err).Str("peer", string(vr.peer)).Msg("raft: RequestVote failed")
				continue
			}
			if n.stepDownIfNewerTerm(ctx, vr.reply.Term) {
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
			call.resultCh <- submitResult{err: &raftapi.NotLeaderError{Hint: n.leaderHint}}

		case call := <-n.configCh:
			call.resultCh <- &raftapi.NotLeaderError{Hint: n.leaderHint}

		case call := <-n.statusCh:
			call.resultCh <- n.snapshotStatus()

		case <-timer.C:
			metrics.ElectionDuration.Observe(time.Since(start).Seconds())
			n.log.Debug().Msg("raft: election ended with no winner, starting a new one")
			n.currentTerm++
			n.votedFor = n.cfg.NodeID
			if err := n.cfg.Persistence.SaveTermAndVote(ctx, n.currentTerm, n.votedFor); err != nil {
				n.log.Error().Err(err).Msg("raft: persisting new term on election retry failed")
				timer.Reset(n.electionTimeout())
				continue
			}
			return true
		}
	}
}

func (n *Node) sendRequestVote(ctx context.Context, peer raftapi.NodeID, args *transport.RequestVoteArgs, out chan<- voteResult, futureOut chan<- future.Result) {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	var reply *transport.RequestVoteReply
	err := errcls.Do(callCtx, n.cfg.RPCRetryPolicy, func(ctx context.Context) error {
		var err error
		reply, err = n.cfg.Transport.RequestVote(ctx, peer, args)
		return err
	})
	if err != nil {
		metrics.RPCSentTotal.WithLabelValues("request_vote", "failure").Inc()
		out <- voteResult{peer: peer, err: err}
		futureOut <- future.Result{PeerID: peer, Err: err}
		return
	}
	metrics.RPCSentTotal.WithLabelValues("request_vote", "success").Inc()
	out <- voteResult{peer: peer, reply: reply}
	if reply.VoteGranted && reply.Term == args.Term {
		futureOut <- future.Result{PeerID: peer, Value: reply}
	} else {
		futureOut <- future.Result{PeerID: peer, Err: errVoteNotGranted}
	}
}

// becomeLeader transitions to Leader (§4.1: "on win, the leader appends a
// no-op entry of its term"). It returns true to signal run() to continue
// the dispatch loop under the new role.
func (n *Node) becomeLeader(ctx context.Context, electionStart time.Time) bool {
	metrics.ElectionsWon.Inc()
	metrics.ElectionDuration.Observe(time.Since(electionStart).Seconds())
	n.role = raftapi.Leader
	n.leaderHint = n.cfg.NodeID
	n.setRoleMetric(raftapi.Leader)

	n.nextIndex = make(map[raftapi.NodeID]raftapi.Index)
	n.matchIndex = make(map[raftapi.NodeID]raftapi.Index)
	for _, peer := range n.allPeerIDs() {
		n.nextIndex[peer] = n.rlog.lastIndex() + 1
		n.matchIndex[peer] = 0
	}

	noop := raftapi.LogEntry{Term: n.currentTerm, Index: n.rlog.lastIndex() + 1, Kind: raftapi.EntryNoOp}
	if err := n.rlog.append(ctx, []raftapi.LogEntry{noop}); err != nil {
		n.log.Error().Err(err).Msg("raft: appending leader no-op entry failed")
	}
	return true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
