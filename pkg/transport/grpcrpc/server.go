// Package grpcrpc is a gRPC-based transport.Transport. It forwards the
// three Raft RPCs over a hand-built grpc.ServiceDesc using a JSON wire
// codec instead of generated protobuf stubs, the way cuemby-warren wires
// its own WarrenAPI service onto a grpc.Server.
package grpcrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport"
)

// Transport is a transport.Transport implementation that dials peers over
// plain gRPC (no TLS — peer addresses are assumed to be on a trusted
// cluster network; callers needing mTLS should wrap DialOptions).
type Transport struct {
	log         zerolog.Logger
	dialTimeout time.Duration
	peerAddrs   map[raftapi.NodeID]string
}

var _ transport.Transport = (*Transport)(nil)

// New returns a Transport that resolves peer IDs to addresses via
// peerAddrs. addr arguments to NewServer are plain "host:port" strings.
func New(log zerolog.Logger, peerAddrs map[raftapi.NodeID]string, dialTimeout time.Duration) *Transport {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &Transport{log: log.With().Str("component", "grpcrpc").Logger(), dialTimeout: dialTimeout, peerAddrs: peerAddrs}
}

func (t *Transport) dial(ctx context.Context, peer raftapi.NodeID) (*grpc.ClientConn, error) {
	addr, ok := t.peerAddrs[peer]
	if !ok {
		return nil, fmt.Errorf("grpcrpc: no address registered for peer %s", peer)
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcrpc: dialing %s at %s: %w", peer, addr, err)
	}
	return conn, nil
}

// RequestVote implements transport.Client.
func (t *Transport) RequestVote(ctx context.Context, peer raftapi.NodeID, args *transport.RequestVoteArgs) (*transport.RequestVoteReply, error) {
	conn, err := t.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	out := new(transport.RequestVoteReply)
	if err := conn.Invoke(ctx, "/"+serviceName+"/RequestVote", args, out); err != nil {
		return nil, fmt.Errorf("grpcrpc: RequestVote to %s: %w", peer, err)
	}
	return out, nil
}

// AppendEntries implements transport.Client.
func (t *Transport) AppendEntries(ctx context.Context, peer raftapi.NodeID, args *transport.AppendEntriesArgs) (*transport.AppendEntriesReply, error) {
	conn, err := t.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	out := new(transport.AppendEntriesReply)
	if err := conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", args, out); err != nil {
		return nil, fmt.Errorf("grpcrpc: AppendEntries to %s: %w", peer, err)
	}
	return out, nil
}

// InstallSnapshot implements transport.Client.
func (t *Transport) InstallSnapshot(ctx context.Context, peer raftapi.NodeID, args *transport.InstallSnapshotArgs) (*transport.InstallSnapshotReply, error) {
	conn, err := t.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	out := new(transport.InstallSnapshotReply)
	if err := conn.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", args, out); err != nil {
		return nil, fmt.Errorf("grpcrpc: InstallSnapshot to %s: %w", peer, err)
	}
	return out, nil
}

// NewServer implements transport.Transport, binding addr as "host:port".
func (t *Transport) NewServer(addr string) (transport.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcrpc: listening on %s: %w", addr, err)
	}
	return &server{log: t.log, lis: lis}, nil
}

type server struct {
	log  zerolog.Logger
	lis  net.Listener
	grpc *grpc.Server
}

// Serve implements transport.Server: it registers handler under the
// hand-built ServiceDesc and blocks until Close is called.
func (s *server) Serve(handler transport.Handler) error {
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	s.grpc.RegisterService(&serviceDesc, handler)
	s.log.Info().Str("addr", s.lis.Addr().String()).Msg("grpcrpc: server listening")
	if err := s.grpc.Serve(s.lis); err != nil {
		return fmt.Errorf("grpcrpc: serve: %w", err)
	}
	return nil
}

// Close implements transport.Server.
func (s *server) Close() error {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	return nil
}

func (s *server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	dur := time.Since(start)
	if err != nil {
		s.log.Debug().Str("method", info.FullMethod).Dur("took", dur).Err(err).Msg("grpcrpc: rpc failed")
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Debug().Str("method", info.FullMethod).Dur("took", dur).Msg("grpcrpc: rpc served")
	return resp, nil
}
