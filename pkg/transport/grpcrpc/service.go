package grpcrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/raftcore/pkg/transport"
)

// serviceName mirrors the fully-qualified service name a .proto file would
// declare; grpc.ServiceDesc is built by hand here rather than generated,
// since the three RPCs this package forwards are fixed and small.
const serviceName = "raftcore.Raft"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore.proto",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleRequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleRequestVote(ctx, req.(*transport.RequestVoteArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleAppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleAppendEntries(ctx, req.(*transport.AppendEntriesArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.InstallSnapshotArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(transport.Handler)
	if interceptor == nil {
		return h.HandleInstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleInstallSnapshot(ctx, req.(*transport.InstallSnapshotArgs))
	}
	return interceptor(ctx, in, info, handler)
}
