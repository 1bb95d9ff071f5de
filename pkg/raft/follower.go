package raft

import (
	"context"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// followerLoop runs while role == Follower, returning when the node
// becomes a candidate (election timeout) or is told to stop.
func (n *Node) followerLoop() bool {
	ctx := context.Background()
	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return false

		case <-timer.C:
			n.log.Debug().Msg("raft: election timeout, becoming candidate")
			n.currentTerm++
			n.votedFor = n.cfg.NodeID
			if err := n.cfg.Persistence.SaveTermAndVote(ctx, n.currentTerm, n.votedFor); err != nil {
				n.log.Error().Err(err).Msg("raft: persisting new term on election timeout failed")
				timer.Reset(n.electionTimeout())
				continue
			}
			n.role = raftapi.Candidate
			n.setRoleMetric(raftapi.Candidate)
			return true

		case call := <-n.requestVoteCh:
			reply, stepDown := n.handleRequestVote(ctx, call.args)
			call.respCh <- reply
			if stepDown || reply.VoteGranted {
				timer.Reset(n.electionTimeout())
			}

		case call := <-n.appendEntriesCh:
			reply, _ := n.handleAppendEntries(ctx, call.args)
			call.respCh <- reply
			if reply.Success {
				timer.Reset(n.electionTimeout())
			}

		case call := <-n.installSnapshotCh:
			reply, _ := n.handleInstallSnapshot(ctx, call.args)
			call.respCh <- reply
			timer.Reset(n.electionTimeout())

		case call := <-n.submitCh:
			call.resultCh <- submitResult{err: &raftapi.NotLeaderError{Hint: n.leaderHint}}

		case call := <-n.configCh:
			call.resultCh <- &raftapi.NotLeaderError{Hint: n.leaderHint}

		case call := <-n.statusCh:
			call.resultCh <- n.snapshotStatus()
		}
	}
}
