package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"quorumd/internal/raft"
	"quorumd/internal/raft/wire"
)

// The service is described by hand instead of generated code: the messages
// already have a wire-format codec, so a ServiceDesc plus a grpc codec is all
// the binding needs.

const serviceName = "quorumd.Raft"

// wireCodec adapts the engine's wire codec to the grpc encoding.Codec
// contract.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error)      { return wire.Marshal(v) }
func (wireCodec) Unmarshal(data []byte, v any) error { return wire.Unmarshal(data, v) }
func (wireCodec) Name() string                       { return "raftwire" }

var _ encoding.Codec = wireCodec{}

// GRPCTransport sends RPCs over gRPC, keeping one ClientConn per peer in a
// sync.Map pool. Connections are created lazily from the peer address carried
// in the configuration, and dropped when a peer leaves.
type GRPCTransport struct {
	// clientsConnPool maps raft.ServerID to *grpc.ClientConn. sync.Map keeps
	// the hot read path (every replication RPC) lock-free.
	clientsConnPool *sync.Map
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport with an empty connection pool.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{clientsConnPool: &sync.Map{}}
}

func (t *GRPCTransport) conn(peer raft.Peer) (*grpc.ClientConn, error) {
	if cached, ok := t.clientsConnPool.Load(peer.ID); ok {
		return cached.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(string(peer.Address),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to peer %s at %s: %w",
			peer.ID, peer.Address, err)
	}

	// Another goroutine may have raced us; keep the stored one.
	if prior, loaded := t.clientsConnPool.LoadOrStore(peer.ID, conn); loaded {
		conn.Close()
		return prior.(*grpc.ClientConn), nil
	}
	return conn, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, peer raft.Peer, method string, req, resp any) error {
	conn, err := t.conn(peer)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(wireCodec{}))
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peer raft.Peer, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	resp := new(raft.RequestVoteResponse)
	if err := t.invoke(ctx, peer, "/"+serviceName+"/RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peer raft.Peer, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	resp := new(raft.AppendEntriesResponse)
	if err := t.invoke(ctx, peer, "/"+serviceName+"/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peer raft.Peer, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	resp := new(raft.InstallSnapshotResponse)
	if err := t.invoke(ctx, peer, "/"+serviceName+"/InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RemovePeer drops the pooled connection to a peer that left the cluster.
func (t *GRPCTransport) RemovePeer(id raft.ServerID) {
	if value, ok := t.clientsConnPool.LoadAndDelete(id); ok {
		value.(*grpc.ClientConn).Close()
	}
}

// Close closes every pooled connection.
func (t *GRPCTransport) Close() error {
	t.clientsConnPool.Range(func(key, value any) bool {
		value.(*grpc.ClientConn).Close()
		t.clientsConnPool.Delete(key)
		return true
	})
	return nil
}

// GRPCServer exposes a Handler over gRPC.
type GRPCServer struct {
	grpcServer *grpc.Server
}

// NewGRPCServer wraps the handler in a gRPC server using the wire codec.
func NewGRPCServer(handler Handler) *GRPCServer {
	s := grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	s.RegisterService(&serviceDesc, handler)
	return &GRPCServer{grpcServer: s}
}

// Serve blocks serving the listener until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops.
func (s *GRPCServer) GracefulStop() { s.grpcServer.GracefulStop() }

// Stop stops immediately.
func (s *GRPCServer) Stop() { s.grpcServer.Stop() }

func unaryHandler[Req any, Resp any](call func(Handler, context.Context, *Req) (*Resp, error), fullMethod string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Handler), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(Handler), ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
				return h.RequestVote(ctx, req)
			}, "/"+serviceName+"/RequestVote"),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
				return h.AppendEntries(ctx, req)
			}, "/"+serviceName+"/AppendEntries"),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
				return h.InstallSnapshot(ctx, req)
			}, "/"+serviceName+"/InstallSnapshot"),
		},
		{
			MethodName: "Submit",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.SubmitRequest) (*raft.SubmitResponse, error) {
				return h.Submit(ctx, req)
			}, "/"+serviceName+"/Submit"),
		},
		{
			MethodName: "Read",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.ReadRequest) (*raft.ReadResponse, error) {
				return h.Read(ctx, req)
			}, "/"+serviceName+"/Read"),
		},
		{
			MethodName: "SetConfiguration",
			Handler: unaryHandler(func(h Handler, ctx context.Context, req *raft.SetConfigurationRequest) (*raft.SetConfigurationResponse, error) {
				return h.SetConfiguration(ctx, req)
			}, "/"+serviceName+"/SetConfiguration"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumd/raft",
}

// Client is the client-side surface for tools and applications: submit
// commands, run queries, change membership.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a server address.
func Dial(addr raft.ServerAddress) (*Client, error) {
	conn, err := grpc.NewClient(string(addr),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Submit(ctx context.Context, req *raft.SubmitRequest) (*raft.SubmitResponse, error) {
	resp := new(raft.SubmitResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Submit", req, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Read(ctx context.Context, req *raft.ReadRequest) (*raft.ReadResponse, error) {
	resp := new(raft.ReadResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Read", req, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetConfiguration(ctx context.Context, req *raft.SetConfigurationRequest) (*raft.SetConfigurationResponse, error) {
	resp := new(raft.SetConfigurationResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/SetConfiguration", req, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }
