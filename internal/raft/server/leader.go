package server

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"quorumd/internal/raft"
)

// leaderState is the role-specific state that exists only while the member
// is leader. It is created by startLeaderLocked and torn down by
// stopLeaderLocked; nothing here outlives the term it was created for.
//
// match and ackTime are guarded by the Group's state lock. Each appender
// owns its peer's nextIndex privately.
type leaderState struct {
	term   uint64
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	// match is the highest index known replicated per voter, self included.
	match map[raft.ServerID]uint64
	// ackTime is the last successful round trip per peer, used to confirm
	// leadership for linearizable reads.
	ackTime map[raft.ServerID]time.Time
	// ackNotify is pulsed after every successful peer round trip.
	ackNotify chan struct{}

	appenders map[raft.ServerID]*logAppender
	pending   *pendingRequests

	// confDone resolves the in-flight SetConfiguration call, if any.
	confDone chan *raft.SetConfigurationResponse
}

func (ls *leaderState) wakeAppenders() {
	for _, a := range ls.appenders {
		a.wake()
	}
}

func (ls *leaderState) notifyAck() {
	select {
	case ls.ackNotify <- struct{}{}:
	default:
	}
}

// startLeaderLocked initializes leader state for the current term and starts
// one log appender per peer.
func (g *Group) startLeaderLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	g.leader = &leaderState{
		term:      g.state.currentTerm,
		ctx:       ctx,
		cancel:    cancel,
		eg:        eg,
		match:     map[raft.ServerID]uint64{g.serverID: g.state.lastIndex()},
		ackTime:   make(map[raft.ServerID]time.Time),
		ackNotify: make(chan struct{}, 1),
		appenders: make(map[raft.ServerID]*logAppender),
		pending:   newPendingRequests(),
	}
	g.syncAppendersLocked()
}

// stopLeaderLocked tears the leader state down. Outstanding client requests
// are answered with the given status; a new leader may still commit their
// entries, and the retry cache keeps client retries idempotent.
func (g *Group) stopLeaderLocked(status raft.ClientStatus, message string) {
	ls := g.leader
	if ls == nil {
		return
	}
	g.leader = nil
	ls.cancel()
	ls.pending.failAll(status, g.leaderAddr, message)
	if ls.confDone != nil {
		ls.confDone <- &raft.SetConfigurationResponse{
			Status:     status,
			LeaderHint: g.leaderAddr,
			Message:    message,
		}
		ls.confDone = nil
	}
	go func() { _ = ls.eg.Wait() }()
}

// syncAppendersLocked reconciles the appender set with the current
// configuration: new peers get an appender immediately (a peer being added
// must catch up before the change can commit), removed peers have theirs
// stopped.
func (g *Group) syncAppendersLocked() {
	ls := g.leader
	if ls == nil {
		return
	}
	conf := g.state.confMgr.current()
	want := make(map[raft.ServerID]raft.Peer)
	for _, peer := range conf.AllPeers() {
		if peer.ID != g.serverID {
			want[peer.ID] = peer
		}
	}
	for id, a := range ls.appenders {
		if _, ok := want[id]; ok {
			continue
		}
		// A peer leaving the configuration keeps its appender until the
		// entry removing it has been delivered: a removed member that never
		// learns of its exclusion would keep campaigning against the group.
		// retireRemovedPeerLocked stops the appender once it has.
		if ls.match[id] < conf.Index {
			continue
		}
		a.stop()
		delete(ls.appenders, id)
		delete(ls.match, id)
		delete(ls.ackTime, id)
	}
	for id, peer := range want {
		if _, ok := ls.appenders[id]; ok {
			continue
		}
		a := newLogAppender(g, ls, peer)
		ls.appenders[id] = a
		ls.eg.Go(func() error {
			a.run()
			return nil
		})
	}
}

// recordPeerProgressLocked updates a peer's replication progress after a
// successful AppendEntries round and advances the commit index if a quorum
// moved.
func (g *Group) recordPeerProgressLocked(ls *leaderState, peer raft.ServerID, matchIndex uint64) {
	if g.leader != ls {
		return
	}
	if matchIndex > ls.match[peer] {
		ls.match[peer] = matchIndex
	}
	ls.ackTime[peer] = time.Now()
	ls.notifyAck()
	g.retireRemovedPeerLocked(ls, peer)
	g.maybeCommitLocked()
}

// retireRemovedPeerLocked stops the appender of a peer that is no longer in
// the configuration, once the entry removing it has reached that peer.
func (g *Group) retireRemovedPeerLocked(ls *leaderState, peer raft.ServerID) {
	conf := g.state.confMgr.current()
	if conf.ContainsAny(peer) || ls.match[peer] < conf.Index {
		return
	}
	if a, ok := ls.appenders[peer]; ok {
		a.stop()
		delete(ls.appenders, peer)
	}
	delete(ls.match, peer)
	delete(ls.ackTime, peer)
}

// maybeCommitLocked advances the commit index to the highest index
// replicated on a quorum, subject to the current-term restriction of
// Section 5.4.2: only entries from the leader's own term are committed by
// counting replicas. During a membership change the quorum requires
// majorities in both the old and the new peer set.
func (g *Group) maybeCommitLocked() {
	ls := g.leader
	if ls == nil {
		return
	}
	conf := g.state.confMgr.current()
	n := conf.CommittedIndex(ls.match)
	if n <= g.state.commitIndex {
		return
	}
	term, err := g.state.termAt(n)
	if err != nil || term != g.state.currentTerm {
		return
	}
	g.state.updateCommitIndex(n)
	g.commitWatch.advance(g.state.commitIndex)
	g.notifyApply()
	g.advanceConfChangeLocked()
}

// advanceConfChangeLocked moves an in-flight membership change forward once
// its entries commit (Section 6): a committed transitional configuration is
// followed by the final one, and a committed final configuration resolves
// the change. A leader excluded from the final configuration steps down
// after committing it.
func (g *Group) advanceConfChangeLocked() {
	ls := g.leader
	if ls == nil {
		return
	}
	conf := g.state.confMgr.current()
	if conf.Index > g.state.commitIndex {
		return
	}

	if conf.IsTransitional() {
		final := &raft.Configuration{Peers: append([]raft.Peer(nil), conf.Peers...)}
		entry := &raft.LogEntry{Type: raft.EntryConfiguration, Conf: final}
		if _, err := g.appendLocalEntryLocked(entry); err != nil {
			g.logger.WithError(err).Error("appending final configuration")
		}
		return
	}

	if ls.confDone != nil {
		ls.confDone <- &raft.SetConfigurationResponse{Status: raft.StatusOK}
		ls.confDone = nil
	}
	if !conf.Contains(g.serverID) {
		// Committed our own removal; the remaining members elect a new
		// leader once our heartbeats stop.
		g.logger.Info("stepping down after leaving the configuration")
		g.stepDownLocked(g.state.currentTerm)
	}
}

// verifyLeadership confirms the member still leads by waiting for a quorum
// of peer round trips that started after now. Used by linearizable reads to
// rule out answering from a deposed leader's state.
func (g *Group) verifyLeadership(ctx context.Context, started time.Time) error {
	for {
		g.mu.Lock()
		ls := g.leader
		if ls == nil {
			g.mu.Unlock()
			return raft.ErrNotLeader
		}
		conf := g.state.confMgr.current()
		confirmed := map[raft.ServerID]bool{g.serverID: true}
		for id, at := range ls.ackTime {
			if at.After(started) {
				confirmed[id] = true
			}
		}
		ok := conf.HasMajority(confirmed)
		ackNotify := ls.ackNotify
		if !ok {
			ls.wakeAppenders()
		}
		g.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return raft.ErrTimeout
		case <-g.shutdownCh:
			return raft.ErrGroupClosed
		case <-ackNotify:
		}
	}
}
