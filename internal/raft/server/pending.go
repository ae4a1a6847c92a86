package server

import (
	"quorumd/internal/raft"
)

// pendingRequest is a client command the leader has appended but not yet
// answered. done receives exactly one response: from the updater when the
// entry applies, or from the leader when it steps down.
type pendingRequest struct {
	index uint64
	term  uint64
	done  chan *raft.SubmitResponse
}

func (p *pendingRequest) resolve(resp *raft.SubmitResponse) {
	select {
	case p.done <- resp:
	default:
	}
}

// pendingRequests tracks the leader's in-flight client commands by log
// index. It only exists while the member is leader; stepping down drains it.
//
// Guarded by the owning Group's state lock.
type pendingRequests struct {
	byIndex map[uint64]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{byIndex: make(map[uint64]*pendingRequest)}
}

// track registers a request waiting on the entry at index.
func (p *pendingRequests) track(index, term uint64) *pendingRequest {
	req := &pendingRequest{
		index: index,
		term:  term,
		done:  make(chan *raft.SubmitResponse, 1),
	}
	p.byIndex[index] = req
	return req
}

// take removes and returns the request at index, or nil.
func (p *pendingRequests) take(index uint64) *pendingRequest {
	req, ok := p.byIndex[index]
	if !ok {
		return nil
	}
	delete(p.byIndex, index)
	return req
}

// failAll answers every outstanding request, used on step-down where the new
// leader may still commit the entries. Clients retry against the hinted
// leader and the retry cache keeps the retries idempotent.
func (p *pendingRequests) failAll(status raft.ClientStatus, leaderHint raft.ServerAddress, message string) {
	for index, req := range p.byIndex {
		req.resolve(&raft.SubmitResponse{
			Status:     status,
			LeaderHint: leaderHint,
			Message:    message,
		})
		delete(p.byIndex, index)
	}
}

func (p *pendingRequests) len() int { return len(p.byIndex) }
