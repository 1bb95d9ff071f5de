// Package transport declares the RPC contract (§6) a consensus node needs
// from its network layer: point-to-point RequestVote, AppendEntries and
// InstallSnapshot calls, addressed by raftapi.NodeID. pkg/raft depends only
// on this interface; pkg/transport/inmem and pkg/transport/grpcrpc are
// concrete adapters.
package transport

import (
	"context"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// RequestVoteArgs is the candidate's vote solicitation (§4.1).
type RequestVoteArgs struct {
	Term         raftapi.Term
	CandidateID  raftapi.NodeID
	LastLogIndex raftapi.Index
	LastLogTerm  raftapi.Term
}

// RequestVoteReply is a voter's response.
type RequestVoteReply struct {
	Term        raftapi.Term
	VoteGranted bool
}

// AppendEntriesArgs carries a leader's replication batch, or an empty
// Entries slice as a heartbeat.
type AppendEntriesArgs struct {
	Term         raftapi.Term
	LeaderID     raftapi.NodeID
	PrevLogIndex raftapi.Index
	PrevLogTerm  raftapi.Term
	Entries      []raftapi.LogEntry
	LeaderCommit raftapi.Index
}

// AppendEntriesReply is a follower's response, including the conflict
// hint (§4.1) used for fast next_index recovery.
type AppendEntriesReply struct {
	Term         raftapi.Term
	Success      bool
	MatchIndex   raftapi.Index
	ConflictHint *raftapi.ConflictHint
}

// InstallSnapshotArgs carries one chunk of a leader's snapshot transfer
// (§4.6). Offset/Done implement simple chunked transfer; Data is the raw
// byte range [Offset, Offset+len(Data)).
type InstallSnapshotArgs struct {
	Term              raftapi.Term
	LeaderID          raftapi.NodeID
	LastIncludedIndex raftapi.Index
	LastIncludedTerm  raftapi.Term
	Configuration     *raftapi.ClusterConfig
	Offset            uint64
	Data              []byte
	Done              bool
}

// InstallSnapshotReply is a follower's response.
type InstallSnapshotReply struct {
	Term raftapi.Term
}

// Client is the outbound side: what a node uses to call its peers.
type Client interface {
	RequestVote(ctx context.Context, peer raftapi.NodeID, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer raftapi.NodeID, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peer raftapi.NodeID, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// Handler is the inbound side: what a node implements to answer peer RPCs.
// A Server wires incoming wire requests to a Handler.
type Handler interface {
	HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	HandleInstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// Server listens for inbound peer RPCs and dispatches them to a Handler.
type Server interface {
	Serve(handler Handler) error
	Close() error
}

// Transport bundles the client and server halves a node needs; concrete
// adapters (inmem, grpcrpc) implement both ends of the same wire protocol.
type Transport interface {
	Client
	NewServer(addr string) (Server, error)
}
