package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"quorumd/internal/pubsub"
	"quorumd/internal/raft"
	"quorumd/internal/raft/transport"
)

// Server hosts the replicated groups of one process and routes every RPC to
// the group it addresses. It is the transport.Handler handed to the RPC
// binding.
type Server struct {
	id     raft.ServerID
	addr   raft.ServerAddress
	logger *logrus.Entry
	bus    *pubsub.Bus

	mu     sync.RWMutex
	groups map[raft.GroupID]*Group
	closed bool
}

var _ transport.Handler = (*Server)(nil)

// NewServer creates an empty host for the given identity.
func NewServer(id raft.ServerID, addr raft.ServerAddress, cfg *raft.Config, bus *pubsub.Bus) *Server {
	if cfg == nil {
		cfg = raft.DefaultConfig()
	}
	_ = cfg.Validate()
	return &Server{
		id:     id,
		addr:   addr,
		logger: cfg.ComponentLogger("server", logrus.Fields{"server": id}),
		bus:    bus,
		groups: make(map[raft.GroupID]*Group),
	}
}

// ID returns the host's server identity.
func (s *Server) ID() raft.ServerID { return s.id }

// Address returns the host's advertised address.
func (s *Server) Address() raft.ServerAddress { return s.addr }

// AddGroup registers and starts a group member on this host.
func (s *Server) AddGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return raft.ErrGroupClosed
	}
	if _, ok := s.groups[g.id]; ok {
		return fmt.Errorf("group %s already hosted", g.id)
	}
	s.groups[g.id] = g
	g.Start()
	s.logger.WithField("group", g.id).Info("group added")
	return nil
}

// RemoveGroup stops and drops a group member.
func (s *Server) RemoveGroup(id raft.GroupID) error {
	s.mu.Lock()
	g, ok := s.groups[id]
	delete(s.groups, id)
	s.mu.Unlock()
	if !ok {
		return raft.ErrUnknownGroup
	}
	return g.Close()
}

// Group returns the hosted member of one group.
func (s *Server) Group(id raft.GroupID) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, raft.ErrUnknownGroup
	}
	return g, nil
}

// Groups returns a snapshot of the hosted group IDs.
func (s *Server) Groups() []raft.GroupID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]raft.GroupID, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every hosted group.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.groups = make(map[raft.GroupID]*Group)
	s.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequestVote routes a vote request to the addressed group.
func (s *Server) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.GroupID)
	}
	return g.RequestVote(ctx, req)
}

// AppendEntries routes replication traffic to the addressed group.
func (s *Server) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.GroupID)
	}
	return g.AppendEntries(ctx, req)
}

// InstallSnapshot routes snapshot chunks to the addressed group.
func (s *Server) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.GroupID)
	}
	return g.InstallSnapshot(ctx, req)
}

// Submit routes a client command to the addressed group.
func (s *Server) Submit(ctx context.Context, req *raft.SubmitRequest) (*raft.SubmitResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return &raft.SubmitResponse{Status: raft.StatusError, Message: err.Error()}, nil
	}
	return g.Submit(ctx, req)
}

// Read routes a query to the addressed group.
func (s *Server) Read(ctx context.Context, req *raft.ReadRequest) (*raft.ReadResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return &raft.ReadResponse{Status: raft.StatusError, Message: err.Error()}, nil
	}
	return g.Read(ctx, req)
}

// SetConfiguration routes a membership change to the addressed group.
func (s *Server) SetConfiguration(ctx context.Context, req *raft.SetConfigurationRequest) (*raft.SetConfigurationResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return &raft.SetConfigurationResponse{Status: raft.StatusError, Message: err.Error()}, nil
	}
	return g.SetConfiguration(ctx, req)
}
