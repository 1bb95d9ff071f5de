// Package inmem is an in-process transport.Transport used by pkg/raft's
// own tests to wire multiple Nodes together without a real network,
// mirroring the in-process Peers a minimal from-scratch Raft
// implementation uses for its own test harness. It is not a product
// surface: nothing outside _test.go files imports it.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport"
)

// Network is a shared registry of node addresses to their RPC handler,
// standing in for a real listener/dialer pair.
type Network struct {
	mu       sync.RWMutex
	handlers map[raftapi.NodeID]transport.Handler
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{handlers: make(map[raftapi.NodeID]transport.Handler)}
}

func (n *Network) handler(id raftapi.NodeID) (transport.Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[id]
	return h, ok
}

func (n *Network) register(id raftapi.NodeID, h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

func (n *Network) unregister(id raftapi.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Transport is a transport.Transport backed by a shared Network. Every
// node in a test cluster gets its own Transport value over the same
// Network, addressed by raftapi.NodeID.
type Transport struct {
	net *Network
}

// New returns a Transport bound to net. addr passed to NewServer is
// interpreted as the node's own raftapi.NodeID.
func New(net *Network) *Transport {
	return &Transport{net: net}
}

var _ transport.Transport = (*Transport)(nil)

// RequestVote implements transport.Client by calling straight into the
// addressed peer's handler — no serialization, no network delay.
func (t *Transport) RequestVote(ctx context.Context, peer raftapi.NodeID, args *transport.RequestVoteArgs) (*transport.RequestVoteReply, error) {
	h, ok := t.net.handler(peer)
	if !ok {
		return nil, fmt.Errorf("inmem: no peer registered at %s", peer)
	}
	return h.HandleRequestVote(ctx, args)
}

// AppendEntries implements transport.Client.
func (t *Transport) AppendEntries(ctx context.Context, peer raftapi.NodeID, args *transport.AppendEntriesArgs) (*transport.AppendEntriesReply, error) {
	h, ok := t.net.handler(peer)
	if !ok {
		return nil, fmt.Errorf("inmem: no peer registered at %s", peer)
	}
	return h.HandleAppendEntries(ctx, args)
}

// InstallSnapshot implements transport.Client.
func (t *Transport) InstallSnapshot(ctx context.Context, peer raftapi.NodeID, args *transport.InstallSnapshotArgs) (*transport.InstallSnapshotReply, error) {
	h, ok := t.net.handler(peer)
	if !ok {
		return nil, fmt.Errorf("inmem: no peer registered at %s", peer)
	}
	return h.HandleInstallSnapshot(ctx, args)
}

// NewServer implements transport.Transport: addr is this node's
// raftapi.NodeID, registered into the shared Network on Serve.
func (t *Transport) NewServer(addr string) (transport.Server, error) {
	return &server{net: t.net, id: raftapi.NodeID(addr)}, nil
}

type server struct {
	net *Network
	id  raftapi.NodeID
}

func (s *server) Serve(handler transport.Handler) error {
	s.net.register(s.id, handler)
	return nil
}

func (s *server) Close() error {
	s.net.unregister(s.id)
	return nil
}
