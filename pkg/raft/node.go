// Package raft implements the consensus node (§4.1): leader election, log
// replication, commit advancement, and strictly-sequential application to
// a pluggable state machine. A Node runs as a single goroutine driven by
// a select loop over channels — ticks, peer RPCs, and client
// submissions — so the protocol's invariants hold without any locking of
// its own state (the pattern this package borrows from a small, classic
// from-scratch Raft implementation rather than a mutex-per-field design).
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/raftcore/pkg/configsync"
	"github.com/cuemby/raftcore/pkg/errcls"
	"github.com/cuemby/raftcore/pkg/future"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/session"
	"github.com/cuemby/raftcore/pkg/snapshot"
	"github.com/cuemby/raftcore/pkg/transport"
	"github.com/cuemby/raftcore/pkg/waiter"
	"github.com/rs/zerolog"
)

// Node is one member of a Raft cluster. Construct with New, then Start it
// before submitting commands or configuration changes.
type Node struct {
	cfg Config
	log zerolog.Logger

	rlog     *raftLog
	waiters  *waiter.Table
	sessions *session.Table
	confSync *configsync.Synchronizer
	partDet  *errcls.PartitionDetector

	// inSnapshot assembles an InstallSnapshot transfer in progress on this
	// node as a follower. Touched only from the run() goroutine.
	inSnapshot *snapshot.Assembler

	// single-writer state: touched only inside run() and the handlers it
	// calls directly. Every other goroutine communicates through channels.
	role          raftapi.Role
	currentTerm   raftapi.Term
	votedFor      raftapi.NodeID
	commitIndex   raftapi.Index
	lastApplied   raftapi.Index
	currentConfig *raftapi.ClusterConfig
	leaderHint    raftapi.NodeID

	nextIndex  map[raftapi.NodeID]raftapi.Index
	matchIndex map[raftapi.NodeID]raftapi.Index

	// pendingResults stashes each applied command's outcome between
	// applyOne (which computes it) and the waiters.NotifyApplied callback
	// (which delivers it to the submitting client, if any is waiting).
	pendingResults map[raftapi.Index]submitResult
	applyHalted    bool

	sizeSinceSnapshot uint64

	appendEntriesCh   chan appendEntriesCall
	requestVoteCh     chan requestVoteCall
	installSnapshotCh chan installSnapshotCall
	submitCh          chan submitCall
	configCh          chan configCall
	statusCh          chan statusCall
	stopCh            chan struct{}
	stoppedCh         chan struct{}

	startOnce sync.Once
	startErr  error
	started   bool
	mu        sync.Mutex // guards started/startErr and Stop idempotency only
}

// New constructs an un-started Node.
func New(cfg Config) (*Node, error) {
	cfg.withDefaults()
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: NodeID must be set")
	}
	if cfg.Transport == nil || cfg.Persistence == nil || cfg.StateMachine == nil {
		return nil, fmt.Errorf("raft: Transport, Persistence and StateMachine are required")
	}

	logger := cfg.Logger

	n := &Node{
		cfg:               cfg,
		log:               logger,
		rlog:              newRaftLog(cfg.Persistence),
		waiters:           waiter.New(logger),
		confSync:          configsync.New(),
		inSnapshot:        snapshot.NewAssembler(),
		role:              raftapi.Follower,
		nextIndex:         make(map[raftapi.NodeID]raftapi.Index),
		matchIndex:        make(map[raftapi.NodeID]raftapi.Index),
		appendEntriesCh:   make(chan appendEntriesCall),
		requestVoteCh:     make(chan requestVoteCall),
		installSnapshotCh: make(chan installSnapshotCall),
		submitCh:          make(chan submitCall),
		configCh:          make(chan configCall),
		statusCh:          make(chan statusCall),
		stopCh:            make(chan struct{}),
		stoppedCh:         make(chan struct{}),
	}
	if cfg.Sessions != nil {
		n.sessions = cfg.Sessions
	} else {
		n.sessions = session.New(cfg.SessionRetention)
	}
	return n, nil
}

// Start recovers persisted state and begins the node's run loop. It
// returns once recovery completes; the loop continues in the background
// until Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return raftapi.ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	boot, err := n.rlog.load(ctx)
	if err != nil {
		return fmt.Errorf("raft: recovering log: %w", err)
	}
	n.currentTerm = boot.CurrentTerm
	n.votedFor = boot.VotedFor

	if boot.Snapshot != nil {
		_, data, ok, err := n.cfg.Persistence.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("raft: loading snapshot bytes: %w", err)
		}
		if ok {
			if err := n.cfg.StateMachine.Restore(data); err != nil {
				return fmt.Errorf("raft: restoring state machine from snapshot: %w", err)
			}
		}
		n.lastApplied = boot.Snapshot.LastIncludedIndex
		n.commitIndex = boot.Snapshot.LastIncludedIndex
		n.currentConfig = boot.Snapshot.Configuration
	}
	if n.currentConfig == nil {
		if n.cfg.Bootstrap != nil {
			n.currentConfig = n.cfg.Bootstrap.Clone()
		} else {
			n.currentConfig = raftapi.NewSingleConfig(n.cfg.NodeID)
		}
	}
	// Replay any configuration entries already in the recovered log
	// suffix, so currentConfig reflects the latest one even if it post-
	// dates the snapshot.
	for _, e := range n.rlog.entries {
		if e.Kind == raftapi.EntryConfiguration && e.Configuration != nil {
			n.currentConfig = e.Configuration.Clone()
		}
	}

	members := make([]raftapi.NodeID, 0, len(n.currentConfig.Members))
	for id := range n.currentConfig.Members {
		members = append(members, id)
	}
	n.partDet = errcls.NewPartitionDetector(members, n.cfg.ElectionTimeoutMax*4)

	metrics.CurrentTerm.Set(float64(n.currentTerm))
	n.setRoleMetric(raftapi.Follower)

	go n.run()
	return nil
}

// Stop halts the run loop, rejecting every pending waiter and in-flight
// configuration change with raftapi.ErrShutdown, and blocks until the
// loop has exited.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	select {
	case <-n.stopCh:
		// already stopping
	default:
		close(n.stopCh)
	}
	<-n.stoppedCh
}

// run is the top-level dispatch loop, mirroring the
// follower/candidate/leader state machine (§4.1 Node lifecycle).
func (n *Node) run() {
	defer close(n.stoppedCh)
	defer n.waiters.CancelAll(raftapi.ErrShutdown)

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		switch n.role {
		case raftapi.Follower:
			if !n.followerLoop() {
				return
			}
		case raftapi.Candidate:
			if !n.candidateLoop() {
				return
			}
		case raftapi.Leader:
			if !n.leaderLoop() {
				return
			}
		default:
			n.log.Error().Msgf("raft: unknown role %v, resetting to follower", n.role)
			n.role = raftapi.Follower
		}
	}
}

func (n *Node) setRoleMetric(r raftapi.Role) {
	for _, role := range []raftapi.Role{raftapi.Follower, raftapi.Candidate, raftapi.Leader} {
		v := 0.0
		if role == r {
			v = 1.0
		}
		metrics.Role.WithLabelValues(role.String()).Set(v)
	}
}

// electionTimeout draws uniformly from [min, max), re-randomized on every
// call (§5.1 of the distilled spec).
func (n *Node) electionTimeout() time.Duration {
	lo, hi := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rand.Int63n(int64(span)))
}

// peerIDs returns every voting member of the current configuration other
// than this node.
func (n *Node) peerIDs() []raftapi.NodeID {
	out := make([]raftapi.NodeID, 0, len(n.currentConfig.Members))
	for id := range n.currentConfig.Members {
		if id != n.cfg.NodeID {
			out = append(out, id)
		}
	}
	return out
}

// allPeerIDs additionally includes the old-quorum members during a joint
// configuration, for replication fan-out (every member of either set must
// receive entries).
func (n *Node) allPeerIDs() []raftapi.NodeID {
	seen := map[raftapi.NodeID]struct{}{n.cfg.NodeID: {}}
	var out []raftapi.NodeID
	for id := range n.currentConfig.Members {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if n.currentConfig.Joint != nil {
		for id := range n.currentConfig.Joint.OldMembers {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// stepDownIfNewerTerm is the single place term comparisons happen: any
// RPC argument or reply carrying a higher term demotes this node to
// follower and persists the new term. Returns true if it stepped down.
func (n *Node) stepDownIfNewerTerm(ctx context.Context, term raftapi.Term) bool {
	if term <= n.currentTerm {
		return false
	}
	old := n.currentTerm
	n.currentTerm = term
	n.votedFor = ""
	wasLeader := n.role == raftapi.Leader
	n.role = raftapi.Follower
	n.leaderHint = ""
	if err := n.cfg.Persistence.SaveTermAndVote(ctx, n.currentTerm, n.votedFor); err != nil {
		n.log.Error().Err(err).Msg("raft: persisting stepped-down term failed")
	}
	metrics.CurrentTerm.Set(float64(n.currentTerm))
	n.setRoleMetric(raftapi.Follower)
	if wasLeader {
		n.waiters.CancelOnLeadershipLoss(old, term)
		n.confSync.Rollback(&raftapi.LeadershipLostError{OldTerm: old, NewTerm: term})
	}
	return true
}

// quorumStrategy builds the future.Strategy (and, if mid joint-consensus,
// the JointMajority) appropriate for the current configuration.
func (n *Node) quorumStrategy() (future.Strategy, *future.JointMajority) {
	if n.currentConfig.Joint != nil {
		jm := future.JointMajority{OldMembers: n.currentConfig.Joint.OldMembers, NewMembers: n.currentConfig.Members}
		return nil, &jm
	}
	return future.Majority{Total: len(n.currentConfig.Members)}, nil
}

var _ transport.Handler = (*Node)(nil)
