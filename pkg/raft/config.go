package raft

import (
	"time"

	"github.com/cuemby/raftcore/pkg/errcls"
	"github.com/cuemby/raftcore/pkg/persistence"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/session"
	"github.com/cuemby/raftcore/pkg/statemachine"
	"github.com/cuemby/raftcore/pkg/transport"
	"github.com/rs/zerolog"
)

// Config wires a Node to its collaborators and tunes its timing. Zero
// value is not usable; build one with reasonable fields set and call
// (*Config).withDefaults (done automatically by New) to fill the rest.
type Config struct {
	NodeID raftapi.NodeID

	// Bootstrap is the initial cluster membership. Ignored on recovery
	// once a configuration entry has been applied from the log/snapshot.
	Bootstrap *raftapi.ClusterConfig

	Transport    transport.Client
	Persistence  persistence.Store
	StateMachine statemachine.StateMachine

	// Sessions is optional; when nil, New builds a fresh client session
	// table (§4.5) bounded by SessionRetention.
	Sessions *session.Table

	Logger zerolog.Logger

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	DefaultWaitTimeout time.Duration

	SnapshotChunkSize int
	SnapshotThreshold uint64

	RPCRetryPolicy errcls.RetryPolicy

	// SessionRetention bounds the client session table when Sessions is
	// nil but dedup is still requested; if Sessions is already set, this
	// is ignored.
	SessionRetention int
}

func (c *Config) withDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 3
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = c.ElectionTimeoutMin
	}
	if c.DefaultWaitTimeout == 0 {
		c.DefaultWaitTimeout = 5 * time.Second
	}
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = 32 * 1024
	}
	if c.RPCRetryPolicy.MaxAttempts == 0 {
		c.RPCRetryPolicy = errcls.DefaultRetryPolicy()
	}
	if c.SessionRetention == 0 {
		c.SessionRetention = 4096
	}
}
