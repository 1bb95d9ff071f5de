package raft

import (
	"context"
	"fmt"

	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/session"
	"github.com/cuemby/raftcore/pkg/snapshot"
)

// applyCommitted applies every entry in (lastApplied, commitIndex] to the
// state machine, strictly in order (Testable Property: sequential
// application). Running inside the single run() goroutine makes this
// trivially sequential — there is no separate apply goroutine to race
// against.
func (n *Node) applyCommitted(ctx context.Context) {
	for !n.applyHalted && n.lastApplied < n.commitIndex {
		next := n.lastApplied + 1
		entry, ok := n.rlog.entryAt(next)
		if !ok {
			// Entry predates our in-memory suffix (covered by a snapshot
			// we've already installed); nothing left to apply for it.
			n.lastApplied = next
			continue
		}
		n.applyOne(ctx, entry)
	}
	metrics.LastApplied.Set(float64(n.lastApplied))
	metrics.CommitIndex.Set(float64(n.commitIndex))
	metrics.ApplyLag.Set(float64(n.commitIndex - n.lastApplied))

	if n.cfg.SnapshotThreshold > 0 && snapshot.ShouldSnapshot(n.sizeSinceSnapshot, n.cfg.SnapshotThreshold) {
		n.takeSnapshot(ctx)
	}
}

func (n *Node) applyOne(ctx context.Context, entry raftapi.LogEntry) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	switch entry.Kind {
	case raftapi.EntryConfiguration:
		if entry.Configuration != nil {
			n.currentConfig = entry.Configuration.Clone()
		}
		n.onConfigurationCommitted(entry.Index)
		n.lastApplied = entry.Index
		n.sizeSinceSnapshot += uint64(len(entry.Command)) + 64

	case raftapi.EntryNoOp:
		n.lastApplied = entry.Index

	case raftapi.EntryCommand:
		n.applyCommand(ctx, entry)
	}

	n.waiters.NotifyApplied(entry.Index, func(idx raftapi.Index) ([]byte, error) {
		// lastApplied was already advanced by applyCommand/above; the
		// waiter's produce callback just needs the cached result, which
		// applyCommand stashed in pendingResults before returning.
		result, ok := n.pendingResults[idx]
		delete(n.pendingResults, idx)
		if !ok {
			return nil, nil
		}
		return result.value, result.err
	})
}

func (n *Node) applyCommand(ctx context.Context, entry raftapi.LogEntry) {
	if entry.ClientID != "" {
		outcome, cached := n.sessions.Lookup(entry.ClientID, entry.Serial)
		switch outcome {
		case session.OutcomeInvalidSerial:
			n.stashResult(entry.Index, nil, raftapi.ErrInvalidSerial)
			n.lastApplied = entry.Index
			n.sizeSinceSnapshot += uint64(len(entry.Command))
			return
		case session.OutcomeExpired:
			n.stashResult(entry.Index, nil, raftapi.ErrSessionExpired)
			n.lastApplied = entry.Index
			n.sizeSinceSnapshot += uint64(len(entry.Command))
			return
		case session.OutcomeCached:
			n.stashResult(entry.Index, cached, nil)
			n.lastApplied = entry.Index
			n.sizeSinceSnapshot += uint64(len(entry.Command))
			return
		}
	}

	result, err := n.cfg.StateMachine.Apply(entry.Index, entry.Command)
	if err != nil {
		n.log.Error().Err(err).Uint64("index", uint64(entry.Index)).Msg("raft: state machine apply failed, halting further application")
		n.stashResult(entry.Index, nil, &raftapi.StateMachineFailureError{Index: entry.Index, Inner: err})
		n.applyHalted = true
		return
	}
	n.lastApplied = entry.Index
	n.sizeSinceSnapshot += uint64(len(entry.Command))

	if entry.ClientID != "" {
		n.sessions.Observe(entry.ClientID, entry.Serial, result)
	}
	n.stashResult(entry.Index, result, nil)
}

func (n *Node) stashResult(index raftapi.Index, value []byte, err error) {
	if n.pendingResults == nil {
		n.pendingResults = make(map[raftapi.Index]submitResult)
	}
	n.pendingResults[index] = submitResult{value: value, err: err}
}

// onConfigurationCommitted advances the configuration synchronizer's
// phase when a joint or final configuration entry commits, and appends
// the follow-up entry it returns (if any). Only meaningful on the leader
// that proposed the change; followers just adopt currentConfig above.
func (n *Node) onConfigurationCommitted(index raftapi.Index) {
	if n.role != raftapi.Leader {
		return
	}
	if final, ok := n.confSync.JointCommitted(index); ok {
		idx, err := n.appendLeaderEntry(context.Background(), raftapi.LogEntry{
			Kind:          raftapi.EntryConfiguration,
			Configuration: final,
		})
		if err != nil {
			n.confSync.Rollback(fmt.Errorf("raft: appending final configuration entry: %w", err))
			return
		}
		n.currentConfig = final.Clone()
		n.confSync.RecordFinalAppended(idx)
		return
	}
	n.confSync.FinalCommitted(index)
}
