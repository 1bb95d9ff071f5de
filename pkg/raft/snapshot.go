package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/raftcore/pkg/errcls"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/snapshot"
	"github.com/cuemby/raftcore/pkg/transport"
)

// takeSnapshot asks the state machine for a point-in-time snapshot and
// compacts the log up to lastApplied (§4.6). Runs on the run() goroutine,
// so no concurrent Apply call can race it.
func (n *Node) takeSnapshot(ctx context.Context) {
	data, err := n.cfg.StateMachine.Snapshot()
	if err != nil {
		n.log.Error().Err(err).Msg("raft: state machine snapshot failed")
		return
	}
	lastIncludedTerm, ok := n.rlog.termAt(n.lastApplied)
	if !ok {
		n.log.Error().Uint64("index", uint64(n.lastApplied)).Msg("raft: cannot determine term for snapshot boundary, skipping")
		return
	}
	meta := raftapi.SnapshotMeta{
		LastIncludedIndex: n.lastApplied,
		LastIncludedTerm:  lastIncludedTerm,
		Configuration:     n.currentConfig.Clone(),
	}
	if err := n.rlog.installSnapshot(ctx, meta, data); err != nil {
		n.log.Error().Err(err).Msg("raft: persisting snapshot failed")
		return
	}
	n.sizeSinceSnapshot = 0
	metrics.SnapshotsTaken.Inc()
	n.log.Info().Uint64("last_included_index", uint64(meta.LastIncludedIndex)).Msg("raft: snapshot taken")
}

// acceptSnapshotChunk feeds one InstallSnapshot chunk to the assembler and,
// once a transfer completes, atomically restores the state machine and
// truncates the log (§4.6 receiving side).
func (n *Node) acceptSnapshotChunk(ctx context.Context, r *transport.InstallSnapshotArgs) error {
	chunk := snapshot.Chunk{
		Meta: raftapi.SnapshotMeta{
			LastIncludedIndex: r.LastIncludedIndex,
			LastIncludedTerm:  r.LastIncludedTerm,
			Configuration:     r.Configuration,
		},
		Offset: r.Offset,
		Data:   r.Data,
		Done:   r.Done,
	}
	if r.Offset == 0 {
		// A chunk at offset 0 starts the transfer over; drop any partial one.
		n.inSnapshot.Reset()
	}
	if err := n.inSnapshot.Accept(chunk); err != nil {
		return fmt.Errorf("raft: assembling snapshot chunk: %w", err)
	}
	meta, data, done := n.inSnapshot.Done()
	if !done {
		return nil
	}
	n.inSnapshot.Reset()

	if err := n.cfg.StateMachine.Restore(data); err != nil {
		return fmt.Errorf("raft: restoring state machine from installed snapshot: %w", err)
	}
	if err := n.rlog.installSnapshot(ctx, meta, data); err != nil {
		return fmt.Errorf("raft: persisting installed snapshot: %w", err)
	}
	if meta.Configuration != nil {
		n.currentConfig = meta.Configuration.Clone()
	}
	n.lastApplied = meta.LastIncludedIndex
	if meta.LastIncludedIndex > n.commitIndex {
		n.commitIndex = meta.LastIncludedIndex
	}
	n.applyHalted = false
	n.sizeSinceSnapshot = 0
	metrics.SnapshotsInstalled.Inc()
	metrics.LastApplied.Set(float64(n.lastApplied))
	metrics.CommitIndex.Set(float64(n.commitIndex))
	n.log.Info().Uint64("last_included_index", uint64(meta.LastIncludedIndex)).Msg("raft: snapshot installed")
	return nil
}

// sendInstallSnapshot streams a leader's current snapshot to a lagging
// follower whose next_index has fallen behind the snapshot boundary,
// chunk by chunk, stopping early on any failure (the next heartbeat tick
// will resume the transfer from the top — followers tolerate a restarted
// transfer via Assembler.Reset).
func (n *Node) sendInstallSnapshot(ctx context.Context, peer raftapi.NodeID, out chan<- installResult) {
	meta, data, ok, err := n.cfg.Persistence.LoadSnapshot(ctx)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("raft: no snapshot available to send to %s", peer)
		}
		out <- installResult{peer: peer, err: err}
		return
	}

	sender := snapshot.NewSender(*meta, data, n.cfg.SnapshotChunkSize)
	var lastReply *transport.InstallSnapshotReply
	for {
		chunk, more := sender.Next()
		args := &transport.InstallSnapshotArgs{
			Term:              n.currentTerm,
			LeaderID:          n.cfg.NodeID,
			LastIncludedIndex: chunk.Meta.LastIncludedIndex,
			LastIncludedTerm:  chunk.Meta.LastIncludedTerm,
			Configuration:     chunk.Meta.Configuration,
			Offset:            chunk.Offset,
			Data:              chunk.Data,
			Done:              chunk.Done,
		}
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
		var reply *transport.InstallSnapshotReply
		sendErr := errcls.Do(callCtx, n.cfg.RPCRetryPolicy, func(ctx context.Context) error {
			var err error
			reply, err = n.cfg.Transport.InstallSnapshot(ctx, peer, args)
			return err
		})
		cancel()
		if sendErr != nil {
			metrics.RPCSentTotal.WithLabelValues("install_snapshot", "failure").Inc()
			out <- installResult{peer: peer, err: sendErr, meta: *meta}
			return
		}
		metrics.RPCSentTotal.WithLabelValues("install_snapshot", "success").Inc()
		metrics.SnapshotBytesSent.Add(float64(len(chunk.Data)))
		lastReply = reply
		if !more || chunk.Done {
			break
		}
	}
	n.partDet.RecordSuccess(peer, time.Now())
	out <- installResult{peer: peer, reply: lastReply, meta: *meta}
}

// handleInstallResult processes the outcome of a completed InstallSnapshot
// transfer, advancing the follower's next_index/match_index past the
// snapshot boundary so ordinary replication resumes. Returns true if this
// node stepped down as a result.
func (n *Node) handleInstallResult(ctx context.Context, r installResult) bool {
	if r.err != nil {
		n.log.Debug().Err(r.err).Str("peer", string(r.peer)).Msg("raft: InstallSnapshot transfer failed")
		return false
	}
	if n.stepDownIfNewerTerm(ctx, r.reply.Term) {
		return true
	}
	if r.reply.Term != n.currentTerm {
		return false
	}
	n.nextIndex[r.peer] = r.meta.LastIncludedIndex + 1
	n.matchIndex[r.peer] = r.meta.LastIncludedIndex
	n.advanceCommitIndex(ctx)
	return false
}
