package raft

import (
	"context"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// SubmitCommand proposes command for replication and blocks until it has
// committed and been applied (or ctx is cancelled, or cfg.DefaultWaitTimeout
// elapses). Returns raftapi.NotLeaderError if this node isn't currently the
// leader.
func (n *Node) SubmitCommand(ctx context.Context, command []byte) ([]byte, error) {
	return n.submit(ctx, "", 0, command)
}

// SubmitCommandWithSession is SubmitCommand with exactly-once semantics
// across retries (§4.5): replays of the same (clientID, serial) pair are
// answered from the cached response instead of re-applied.
func (n *Node) SubmitCommandWithSession(ctx context.Context, clientID string, serial uint64, command []byte) ([]byte, error) {
	return n.submit(ctx, clientID, serial, command)
}

func (n *Node) submit(ctx context.Context, clientID string, serial uint64, command []byte) ([]byte, error) {
	resultCh := make(chan submitResult, 1)
	call := submitCall{clientID: clientID, serial: serial, command: command, resultCh: resultCh}

	select {
	case n.submitCh <- call:
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-n.stopCh:
		return nil, raftapi.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ID returns this node's raftapi.NodeID, set at construction.
func (n *Node) ID() raftapi.NodeID {
	return n.cfg.NodeID
}

// Status returns a point-in-time snapshot of this node's consensus state.
// Safe to call from any goroutine: the snapshot is taken on the run()
// goroutine itself, the same way SubmitCommand and ProposeConfiguration
// cross into it.
func (n *Node) Status(ctx context.Context) (NodeStatus, error) {
	resultCh := make(chan NodeStatus, 1)
	call := statusCall{resultCh: resultCh}

	select {
	case n.statusCh <- call:
	case <-n.stopCh:
		return NodeStatus{}, raftapi.ErrShutdown
	case <-ctx.Done():
		return NodeStatus{}, ctx.Err()
	}

	select {
	case s := <-resultCh:
		return s, nil
	case <-n.stopCh:
		return NodeStatus{}, raftapi.ErrShutdown
	case <-ctx.Done():
		return NodeStatus{}, ctx.Err()
	}
}

func (n *Node) snapshotStatus() NodeStatus {
	return NodeStatus{
		NodeID:      n.cfg.NodeID,
		Role:        n.role,
		Term:        n.currentTerm,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LeaderHint:  n.leaderHint,
	}
}

// ProposeConfiguration begins a joint-consensus membership change to
// target (§4.4) and blocks until the change fully commits (both the joint
// and final configuration entries), or it is rolled back (e.g. by a
// leadership change mid-transition).
func (n *Node) ProposeConfiguration(ctx context.Context, target map[raftapi.NodeID]struct{}) error {
	members := make(map[raftapi.NodeID]struct{}, len(target))
	for id := range target {
		members[id] = struct{}{}
	}
	resultCh := make(chan error, 1)
	call := configCall{target: members, resultCh: resultCh}

	select {
	case n.configCh <- call:
	case <-n.stopCh:
		return raftapi.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resultCh:
		return err
	case <-n.stopCh:
		return raftapi.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}
