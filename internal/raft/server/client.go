package server

import (
	"context"
	"fmt"
	"time"

	"quorumd/internal/raft"
)

// Submit replicates one client command and returns its state machine result
// once applied. Retries carrying the same {ClientID, CallID} are served from
// the retry cache instead of being applied twice.
func (g *Group) Submit(ctx context.Context, req *raft.SubmitRequest) (*raft.SubmitResponse, error) {
	if req.ClientID == "" {
		return &raft.SubmitResponse{Status: raft.StatusError, Message: "client id is required"}, nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.SubmitTimeout)
		defer cancel()
	}
	inv := raft.InvocationID{ClientID: req.ClientID, CallID: req.CallID}

	// A completed invocation is replayable from any member, leader or not.
	if cached := g.retryCache.get(inv); cached != nil && cached.completed() && !cached.failed() {
		g.metrics.RetryCacheHits.Add(1)
		return cachedResponse(cached), nil
	}

	g.mu.Lock()
	if g.role != Leader {
		hint := g.leaderAddr
		g.mu.Unlock()
		return &raft.SubmitResponse{Status: raft.StatusNotLeader, LeaderHint: hint}, nil
	}
	ls := g.leader

	entry, existed := g.retryCache.getOrCreate(inv)
	if existed {
		// The same invocation is already in flight on this leader; attach to
		// its outcome instead of appending a duplicate entry.
		g.mu.Unlock()
		g.metrics.RetryCacheHits.Add(1)
		return g.waitCached(ctx, entry)
	}

	logEntry := &raft.LogEntry{
		Type:     raft.EntryCommand,
		Command:  req.Command,
		ClientID: req.ClientID,
		CallID:   req.CallID,
	}
	index, err := g.appendLocalEntryLocked(logEntry)
	if err != nil {
		g.mu.Unlock()
		g.fatal(err)
		return nil, err
	}
	pending := ls.pending.track(index, logEntry.Term)
	g.mu.Unlock()

	g.metrics.CommandsSubmitted.Add(1)
	select {
	case resp := <-pending.done:
		return resp, nil
	case <-entry.done:
		return cachedResponse(entry), nil
	case <-ctx.Done():
		return &raft.SubmitResponse{Status: raft.StatusTimeout, Message: "submit deadline exceeded"}, nil
	case <-g.shutdownCh:
		return nil, raft.ErrGroupClosed
	}
}

// waitCached blocks until an in-flight invocation completes.
func (g *Group) waitCached(ctx context.Context, entry *cacheEntry) (*raft.SubmitResponse, error) {
	select {
	case <-entry.done:
		return cachedResponse(entry), nil
	case <-ctx.Done():
		return &raft.SubmitResponse{Status: raft.StatusTimeout, Message: "submit deadline exceeded"}, nil
	case <-g.shutdownCh:
		return nil, raft.ErrGroupClosed
	}
}

func cachedResponse(entry *cacheEntry) *raft.SubmitResponse {
	return &raft.SubmitResponse{
		Status:  entry.status,
		Result:  entry.result,
		Message: entry.message,
	}
}

// Read answers a query. A linearizable read is served only by a confirmed
// leader, after the commit index captured at arrival has been applied, so
// the answer reflects every write that completed before the read began. A
// non-linearizable read answers from local applied state on any member.
func (g *Group) Read(ctx context.Context, req *raft.ReadRequest) (*raft.ReadResponse, error) {
	if !req.Linearizable {
		return g.queryLocal(req.Query)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.SubmitTimeout)
		defer cancel()
	}

	g.mu.Lock()
	if g.role != Leader {
		hint := g.leaderAddr
		g.mu.Unlock()
		return &raft.ReadResponse{Status: raft.StatusNotLeader, LeaderHint: hint}, nil
	}
	// The term-opening noop must have committed, or the commit index may
	// still predate entries this leader is obligated to serve.
	readIndex := g.state.commitIndex
	readTerm, err := g.state.termAt(readIndex)
	if err != nil || readTerm != g.state.currentTerm {
		g.mu.Unlock()
		return &raft.ReadResponse{Status: raft.StatusNotLeader, Message: "leadership not yet established"}, nil
	}
	started := time.Now()
	g.mu.Unlock()

	if err := g.verifyLeadership(ctx, started); err != nil {
		return readError(err, g.hint()), nil
	}

	g.mu.Lock()
	applyCh := g.applyWatch.watch(readIndex, g.state.lastApplied)
	g.mu.Unlock()
	select {
	case <-applyCh:
	case <-ctx.Done():
		return &raft.ReadResponse{Status: raft.StatusTimeout, Message: "read deadline exceeded"}, nil
	case <-g.shutdownCh:
		return nil, raft.ErrGroupClosed
	}

	g.mu.Lock()
	applied := g.state.lastApplied
	g.mu.Unlock()
	if applied < readIndex {
		// Woken by shutdown drain before the read index applied.
		return &raft.ReadResponse{Status: raft.StatusTimeout, Message: "read index not reached"}, nil
	}
	return g.queryLocal(req.Query)
}

func (g *Group) queryLocal(query []byte) (*raft.ReadResponse, error) {
	result, err := g.sm.Query(query)
	if err != nil {
		return &raft.ReadResponse{Status: raft.StatusError, Message: err.Error()}, nil
	}
	return &raft.ReadResponse{Status: raft.StatusOK, Result: result}, nil
}

func (g *Group) hint() raft.ServerAddress {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaderAddr
}

func readError(err error, hint raft.ServerAddress) *raft.ReadResponse {
	switch err {
	case raft.ErrNotLeader:
		return &raft.ReadResponse{Status: raft.StatusNotLeader, LeaderHint: hint}
	case raft.ErrTimeout:
		return &raft.ReadResponse{Status: raft.StatusTimeout, Message: "leadership confirmation timed out"}
	default:
		return &raft.ReadResponse{Status: raft.StatusError, Message: err.Error()}
	}
}

// SetConfiguration replaces the group's peer set through a joint-consensus
// membership change (Section 6 from the
// [Raft paper](https://raft.github.io/raft.pdf)): a transitional
// old-union-new configuration commits under majorities of both sets, then
// the final configuration commits under the new set alone. The call returns
// once the final configuration is committed. At most one change runs at a
// time.
func (g *Group) SetConfiguration(ctx context.Context, req *raft.SetConfigurationRequest) (*raft.SetConfigurationResponse, error) {
	if len(req.Peers) == 0 {
		return &raft.SetConfigurationResponse{Status: raft.StatusError, Message: "peer set must not be empty"}, nil
	}
	seen := make(map[raft.ServerID]struct{}, len(req.Peers))
	for _, p := range req.Peers {
		if p.ID == "" || p.Address == "" {
			return &raft.SetConfigurationResponse{Status: raft.StatusError, Message: "peers need id and address"}, nil
		}
		if _, ok := seen[p.ID]; ok {
			return &raft.SetConfigurationResponse{Status: raft.StatusError, Message: fmt.Sprintf("duplicate peer %s", p.ID)}, nil
		}
		seen[p.ID] = struct{}{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.SubmitTimeout)
		defer cancel()
	}

	g.mu.Lock()
	if g.role != Leader {
		hint := g.leaderAddr
		g.mu.Unlock()
		return &raft.SetConfigurationResponse{Status: raft.StatusNotLeader, LeaderHint: hint}, nil
	}
	if g.state.confMgr.changeInProgress(g.state.commitIndex) || g.leader.confDone != nil {
		g.mu.Unlock()
		return &raft.SetConfigurationResponse{
			Status:  raft.StatusConfChangeInProgress,
			Message: "a membership change is already in flight",
		}, nil
	}

	current := g.state.confMgr.current()
	transitional := &raft.Configuration{
		Peers:    append([]raft.Peer(nil), req.Peers...),
		OldPeers: append([]raft.Peer(nil), current.Peers...),
	}
	done := make(chan *raft.SetConfigurationResponse, 1)
	g.leader.confDone = done
	entry := &raft.LogEntry{Type: raft.EntryConfiguration, Conf: transitional}
	if _, err := g.appendLocalEntryLocked(entry); err != nil {
		g.leader.confDone = nil
		g.mu.Unlock()
		g.fatal(err)
		return nil, err
	}
	g.mu.Unlock()

	g.metrics.ConfChanges.Add(1)
	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		// The change keeps progressing; only the caller stops waiting.
		return &raft.SetConfigurationResponse{Status: raft.StatusTimeout, Message: "configuration change still in progress"}, nil
	case <-g.shutdownCh:
		return nil, raft.ErrGroupClosed
	}
}
