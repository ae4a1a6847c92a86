// Package transport binds the engine's logical RPC surface to a wire
// transport. The engine depends only on the Transport and Handler contracts;
// the gRPC binding and the in-memory test binding both satisfy them.
package transport

import (
	"context"

	"quorumd/internal/raft"
)

// Transport sends protocol RPCs to peers. Implementations bound each call by
// the context deadline; retry policy belongs to the callers (the candidate
// for votes, the log appender for replication).
type Transport interface {
	RequestVote(ctx context.Context, peer raft.Peer, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer raft.Peer, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer raft.Peer, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
	Close() error
}

// Handler is the server side of the RPC surface: the protocol RPCs plus the
// client-facing operations. Implemented by the host server, which routes each
// request to the addressed group.
type Handler interface {
	RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
	Submit(ctx context.Context, req *raft.SubmitRequest) (*raft.SubmitResponse, error)
	Read(ctx context.Context, req *raft.ReadRequest) (*raft.ReadResponse, error)
	SetConfiguration(ctx context.Context, req *raft.SetConfigurationRequest) (*raft.SetConfigurationResponse, error)
}
