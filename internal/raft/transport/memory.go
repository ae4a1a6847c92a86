package transport

import (
	"context"
	"fmt"
	"sync"

	"quorumd/internal/raft"
	"quorumd/internal/raft/wire"
)

// MemoryHub connects in-process servers directly, without sockets. Tests use
// it to build clusters and to cut/heal links between members. Every message
// is round-tripped through the wire codec, so in-memory clusters exercise the
// same serialization path as gRPC ones and never alias each other's entries.
type MemoryHub struct {
	mu           sync.RWMutex
	handlers     map[raft.ServerID]Handler
	disconnected map[raft.ServerID]bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		handlers:     make(map[raft.ServerID]Handler),
		disconnected: make(map[raft.ServerID]bool),
	}
}

// Register attaches a server's handler to the hub.
func (h *MemoryHub) Register(id raft.ServerID, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = handler
}

// Disconnect cuts all links to and from id.
func (h *MemoryHub) Disconnect(id raft.ServerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected[id] = true
}

// Reconnect heals the links of id.
func (h *MemoryHub) Reconnect(id raft.ServerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.disconnected, id)
}

// Transport returns the hub-backed transport for one member.
func (h *MemoryHub) Transport(from raft.ServerID) *MemoryTransport {
	return &MemoryTransport{hub: h, from: from}
}

func (h *MemoryHub) route(from, to raft.ServerID) (Handler, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.disconnected[from] || h.disconnected[to] {
		return nil, fmt.Errorf("memory transport: link %s -> %s is down", from, to)
	}
	handler, ok := h.handlers[to]
	if !ok {
		return nil, fmt.Errorf("memory transport: no handler for %s", to)
	}
	return handler, nil
}

// clone deep-copies a message through the wire codec.
func clone[T any](src, dst *T) error {
	data, err := wire.Marshal(src)
	if err != nil {
		return err
	}
	return wire.Unmarshal(data, dst)
}

// MemoryTransport is one member's view of the hub.
type MemoryTransport struct {
	hub  *MemoryHub
	from raft.ServerID
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) RequestVote(ctx context.Context, peer raft.Peer, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	handler, err := t.hub.route(t.from, peer.ID)
	if err != nil {
		return nil, err
	}
	reqCopy := new(raft.RequestVoteRequest)
	if err := clone(req, reqCopy); err != nil {
		return nil, err
	}
	resp, err := handler.RequestVote(ctx, reqCopy)
	if err != nil {
		return nil, err
	}
	respCopy := new(raft.RequestVoteResponse)
	return respCopy, clone(resp, respCopy)
}

func (t *MemoryTransport) AppendEntries(ctx context.Context, peer raft.Peer, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	handler, err := t.hub.route(t.from, peer.ID)
	if err != nil {
		return nil, err
	}
	reqCopy := new(raft.AppendEntriesRequest)
	if err := clone(req, reqCopy); err != nil {
		return nil, err
	}
	resp, err := handler.AppendEntries(ctx, reqCopy)
	if err != nil {
		return nil, err
	}
	respCopy := new(raft.AppendEntriesResponse)
	return respCopy, clone(resp, respCopy)
}

func (t *MemoryTransport) InstallSnapshot(ctx context.Context, peer raft.Peer, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	handler, err := t.hub.route(t.from, peer.ID)
	if err != nil {
		return nil, err
	}
	reqCopy := new(raft.InstallSnapshotRequest)
	if err := clone(req, reqCopy); err != nil {
		return nil, err
	}
	resp, err := handler.InstallSnapshot(ctx, reqCopy)
	if err != nil {
		return nil, err
	}
	respCopy := new(raft.InstallSnapshotResponse)
	return respCopy, clone(resp, respCopy)
}

func (t *MemoryTransport) Close() error { return nil }
