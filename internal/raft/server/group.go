// Package server implements the consensus core: role state machine,
// elections, log replication, commit advancement, membership changes and the
// client-facing operations, following the
// [Raft paper](https://raft.github.io/raft.pdf). A Server hosts one or more
// replicated Groups and routes RPCs to them by GroupID.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quorumd/internal/pubsub"
	"quorumd/internal/raft"
	"quorumd/internal/raft/metrics"
	"quorumd/internal/raft/state_machine"
	"quorumd/internal/raft/storage"
	"quorumd/internal/raft/transport"
)

// GroupOptions carries everything a Group needs at construction.
type GroupOptions struct {
	ID       raft.GroupID
	ServerID raft.ServerID
	Address  raft.ServerAddress

	// Storage is the durable log. The caller keeps ownership: Close on the
	// group does not close it, so a restarted group can reuse it.
	Storage      storage.LogStorage
	StateMachine state_machine.StateMachine
	Transport    transport.Transport

	// Bus receives lifecycle events. Optional.
	Bus *pubsub.Bus

	// Bootstrap is the initial configuration for a brand-new group. Ignored
	// when the storage already holds one (from a snapshot or a configuration
	// entry).
	Bootstrap *raft.Configuration

	Config  *raft.Config
	Metrics *metrics.GroupMetrics
}

// Group is one member of one replicated group.
//
// All mutable protocol state hangs off a single mutex. Role transitions,
// term changes and votes serialize through it, so there is never a moment
// where two roles act on the same term. Long waits (elections, replication
// rounds, client submissions) happen outside the lock and re-check state
// after reacquiring it.
type Group struct {
	id        raft.GroupID
	serverID  raft.ServerID
	localAddr raft.ServerAddress

	cfg     *raft.Config
	logger  *logrus.Entry
	trans   transport.Transport
	sm      state_machine.StateMachine
	bus     *pubsub.Bus
	metrics *metrics.GroupMetrics

	mu          sync.Mutex
	state       *serverState
	role        Role
	leaderID    raft.ServerID
	leaderAddr  raft.ServerAddress
	lastContact time.Time
	// leader holds role-specific state and is non-nil exactly while role is
	// Leader.
	leader *leaderState

	commitWatch *watchList
	applyWatch  *watchList
	retryCache  *retryCache

	// pendingRestore hands an installed snapshot to the updater, which owns
	// all state machine mutation.
	pendingRestore *storage.Snapshot
	// snapSink assembles in-flight snapshot chunks from the leader.
	snapSink *snapshotSink

	// applyNotify wakes the updater; roleNotify wakes whichever role loop is
	// blocked. Both are buffered and written with non-blocking sends, so a
	// pending wakeup coalesces with new ones.
	applyNotify chan struct{}
	roleNotify  chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	fatalErr     error
}

// NewGroup builds a group member, recovering durable state from storage. The
// group does not participate until Start is called.
func NewGroup(opts GroupOptions) (*Group, error) {
	if opts.ID == "" {
		return nil, errors.New("group id must not be empty")
	}
	if opts.ServerID == "" {
		return nil, errors.New("server id must not be empty")
	}
	if opts.Storage == nil || opts.StateMachine == nil || opts.Transport == nil {
		return nil, errors.New("storage, state machine and transport are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = raft.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	state, err := newServerState(opts.Storage, opts.Bootstrap)
	if err != nil {
		return nil, fmt.Errorf("recovering group %s: %w", opts.ID, err)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewGroupMetrics()
	}

	g := &Group{
		id:          opts.ID,
		serverID:    opts.ServerID,
		localAddr:   opts.Address,
		cfg:         cfg,
		logger:      cfg.ComponentLogger("group", logrus.Fields{"group": opts.ID, "server": opts.ServerID}),
		trans:       opts.Transport,
		sm:          opts.StateMachine,
		bus:         opts.Bus,
		metrics:     m,
		state:       state,
		role:        Follower,
		commitWatch: newWatchList(),
		applyWatch:  newWatchList(),
		retryCache:  newRetryCache(cfg.RetryCacheExpiry, cfg.RetryCacheSweepInterval),
		applyNotify: make(chan struct{}, 1),
		roleNotify:  make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
	}
	// A recovered snapshot covers applied state the fresh state machine does
	// not have; the updater restores it before applying anything else.
	g.pendingRestore = state.recoveredSnapshot
	state.recoveredSnapshot = nil
	return g, nil
}

// Start launches the role loop and the state machine updater.
func (g *Group) Start() {
	g.logger.WithFields(logrus.Fields{
		"term":        g.state.currentTerm,
		"lastIndex":   g.state.lastIndex(),
		"commitIndex": g.state.commitIndex,
		"conf":        g.state.confMgr.current().String(),
	}).Info("starting group member")

	g.wg.Add(2)
	go g.run()
	go g.runUpdater()
	// Wake the updater so a recovered snapshot is restored without waiting
	// for the first commit notification.
	g.notifyApply()
}

// Close stops the member. Outstanding client calls fail with ErrGroupClosed;
// storage stays open for the owner to reuse or close.
func (g *Group) Close() error {
	g.halt()
	g.wg.Wait()
	g.retryCache.close()

	g.mu.Lock()
	if g.leader != nil {
		g.stopLeaderLocked(raft.StatusError, "group closed")
	}
	g.commitWatch.drain()
	g.applyWatch.drain()
	err := g.fatalErr
	g.mu.Unlock()

	if g.bus != nil {
		pubsub.Publish(g.bus, GroupHalted, g.id)
	}
	return err
}

func (g *Group) halt() {
	g.shutdownOnce.Do(func() { close(g.shutdownCh) })
}

// fatal records an unrecoverable condition (a diverged state machine or
// unreadable storage) and halts the member. It must not be called with the
// state lock held.
func (g *Group) fatal(err error) {
	g.mu.Lock()
	if g.fatalErr == nil {
		g.fatalErr = err
	}
	g.mu.Unlock()
	g.logger.WithError(err).Error("halting group after fatal error")
	g.halt()
}

// run is the role state machine: it executes the loop for the current role
// until a transition or shutdown, then dispatches again.
func (g *Group) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.shutdownCh:
			return
		default:
		}

		g.mu.Lock()
		role := g.role
		g.mu.Unlock()

		switch role {
		case Follower:
			g.runFollower()
		case Candidate:
			g.runCandidate()
		case Leader:
			g.runLeader()
		}
	}
}

// runFollower waits for leader contact. When none arrives within a
// randomized election timeout, the member campaigns, unless it is no longer
// a voter in the current configuration: a member removed from the group must
// not disrupt it with elections.
func (g *Group) runFollower() {
	timeout := g.cfg.RandomElectionTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-g.shutdownCh:
			return
		case <-g.roleNotify:
			g.mu.Lock()
			role := g.role
			g.mu.Unlock()
			if role != Follower {
				return
			}
		case <-timer.C:
			g.mu.Lock()
			elapsed := time.Since(g.lastContact)
			if elapsed < timeout {
				// Heard from a leader recently; wait out the remainder.
				timer.Reset(timeout - elapsed)
				g.mu.Unlock()
				continue
			}
			if !g.state.confMgr.current().ContainsAny(g.serverID) {
				timer.Reset(g.cfg.RandomElectionTimeout())
				g.mu.Unlock()
				continue
			}
			g.role = Candidate
			term := g.state.currentTerm
			g.mu.Unlock()
			g.publishRole(Candidate, term)
			return
		}
	}
}

// notifyRole wakes the blocked role loop after a transition.
func (g *Group) notifyRole() {
	select {
	case g.roleNotify <- struct{}{}:
	default:
	}
}

// notifyApply wakes the updater.
func (g *Group) notifyApply() {
	select {
	case g.applyNotify <- struct{}{}:
	default:
	}
}

// stepDownLocked moves the member to Follower, adopting newTerm when it is
// higher than the current term (Section 5.1: a server discovering a higher
// term reverts immediately). Callers hold the state lock.
func (g *Group) stepDownLocked(newTerm uint64) {
	if newTerm > g.state.currentTerm {
		g.state.currentTerm = newTerm
		g.state.votedFor = nil
		if err := g.state.persistState(); err != nil {
			g.logger.WithError(err).Error("persisting term on step down")
		}
		g.leaderID = ""
		g.leaderAddr = ""
	}
	if g.leader != nil {
		g.stopLeaderLocked(raft.StatusNotLeader, "leadership lost")
	}
	if g.role != Follower {
		g.role = Follower
		g.notifyRole()
		g.publishRole(Follower, g.state.currentTerm)
	}
}

// setLeaderLocked records the current leader and publishes the change.
func (g *Group) setLeaderLocked(id raft.ServerID) {
	if g.leaderID == id {
		return
	}
	g.leaderID = id
	g.leaderAddr = ""
	if peer, ok := g.state.confMgr.current().Peer(id); ok {
		g.leaderAddr = peer.Address
	}
	if g.bus != nil {
		pubsub.Publish(g.bus, LeaderChanged, LeaderChange{
			Group:  g.id,
			Leader: id,
			Term:   g.state.currentTerm,
		})
	}
}

// publishRole logs and publishes a role transition. Safe to call with or
// without the state lock held; it touches no mutable group state.
func (g *Group) publishRole(role Role, term uint64) {
	g.logger.WithFields(logrus.Fields{"role": role.String(), "term": term}).Info("role transition")
	if g.bus != nil {
		pubsub.Publish(g.bus, RoleChanged, RoleChange{Group: g.id, Role: role, Term: term})
	}
}

// RequestVote handles a vote request (Section 5.2). The vote is granted at
// most once per term, and only to candidates whose log is at least as
// up-to-date (Section 5.4.1).
func (g *Group) RequestVote(_ context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resp := &raft.RequestVoteResponse{Term: g.state.currentTerm}
	if req.Term < g.state.currentTerm {
		return resp, nil
	}
	if req.Term > g.state.currentTerm {
		g.stepDownLocked(req.Term)
		resp.Term = g.state.currentTerm
	}

	alreadyVoted := g.state.votedFor != nil && *g.state.votedFor != req.CandidateID
	if alreadyVoted || !g.state.isUpToDate(req.LastLogIndex, req.LastLogTerm) {
		return resp, nil
	}

	candidate := req.CandidateID
	g.state.votedFor = &candidate
	if err := g.state.persistState(); err != nil {
		return nil, fmt.Errorf("persisting vote: %w", err)
	}
	// A granted vote counts as contact, so the voter does not immediately
	// start a competing election.
	g.lastContact = time.Now()
	resp.VoteGranted = true
	g.logger.WithFields(logrus.Fields{"candidate": candidate, "term": req.Term}).Debug("vote granted")
	return resp, nil
}

// AppendEntries handles replication and heartbeats from the leader
// (Section 5.3). On a prev-entry mismatch the response carries a MatchHint
// so the leader can rewind past a whole conflicting term at once.
func (g *Group) AppendEntries(_ context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resp := &raft.AppendEntriesResponse{Term: g.state.currentTerm}
	if req.Term < g.state.currentTerm {
		return resp, nil
	}
	// An AppendEntries at our term or above means its sender won an election
	// there; candidates and stale leaders revert to follower.
	if req.Term > g.state.currentTerm || g.role != Follower {
		g.stepDownLocked(req.Term)
		resp.Term = g.state.currentTerm
	}
	g.lastContact = time.Now()
	g.setLeaderLocked(req.LeaderID)

	if req.PrevLogIndex > 0 && !g.state.entryExists(req.PrevLogIndex, req.PrevLogTerm) {
		resp.MatchHint = g.rewindHintLocked(req.PrevLogIndex)
		resp.LastIndex = g.state.lastIndex()
		return resp, nil
	}

	if len(req.Entries) > 0 {
		if err := g.appendFromLeaderLocked(req.Entries); err != nil {
			return nil, err
		}
	}

	if req.LeaderCommit > g.state.commitIndex {
		limit := req.LeaderCommit
		if last := g.state.lastIndex(); last < limit {
			limit = last
		}
		if g.state.updateCommitIndex(limit) {
			g.commitWatch.advance(g.state.commitIndex)
			g.notifyApply()
		}
	}

	resp.Success = true
	resp.LastIndex = g.state.lastIndex()
	resp.MatchHint = resp.LastIndex
	return resp, nil
}

// rewindHintLocked picks the highest index at which this log could still
// agree with the leader's, given a mismatch at prevIndex.
func (g *Group) rewindHintLocked(prevIndex uint64) uint64 {
	last := g.state.lastIndex()
	if prevIndex > last {
		return last
	}
	// The entry at prevIndex exists with the wrong term. Skip the whole run
	// of that term; every entry in it disagrees with the leader.
	conflictTerm, err := g.state.termAt(prevIndex)
	if err != nil {
		return prevIndex - 1
	}
	hint := prevIndex - 1
	for hint > g.state.snapIndex {
		term, err := g.state.termAt(hint)
		if err != nil || term != conflictTerm {
			break
		}
		hint--
	}
	return hint
}

// appendFromLeaderLocked reconciles the leader's entries with the local log:
// entries already present with matching terms are skipped, a conflicting
// suffix is truncated, and the remainder is appended. Configuration entries
// take effect here, at append time.
func (g *Group) appendFromLeaderLocked(entries []*raft.LogEntry) error {
	start := 0
	for ; start < len(entries); start++ {
		e := entries[start]
		if e.Index <= g.state.snapIndex {
			continue
		}
		if e.Index > g.state.lastIndex() {
			break
		}
		existingTerm, err := g.state.termAt(e.Index)
		if err != nil {
			if errIsMissing(err) {
				break
			}
			return fmt.Errorf("reading entry %d: %w", e.Index, err)
		}
		if existingTerm != e.Term {
			if e.Index <= g.state.commitIndex {
				return fmt.Errorf("%w: leader asked to overwrite committed entry %d", raft.ErrCorrupt, e.Index)
			}
			if err := g.state.log.TruncateFrom(e.Index); err != nil {
				return fmt.Errorf("truncating from %d: %w", e.Index, err)
			}
			g.state.confMgr.truncateFrom(e.Index)
			break
		}
	}
	if start >= len(entries) {
		return nil
	}

	toAppend := entries[start:]
	if err := g.state.log.Append(toAppend); err != nil {
		return fmt.Errorf("appending %d entries: %w", len(toAppend), err)
	}
	for _, e := range toAppend {
		if e.Type == raft.EntryConfiguration && e.Conf != nil {
			g.state.confMgr.add(e.Conf)
		}
	}
	g.metrics.EntriesAppended.Add(uint64(len(toAppend)))
	return nil
}

// snapshotSink assembles snapshot chunks streamed by the leader.
type snapshotSink struct {
	offset uint64
	data   []byte
}

// InstallSnapshot handles one chunk of a streamed snapshot (Section 7). The
// final chunk hands the assembled snapshot to the updater, which owns all
// state machine mutation and performs the restore in apply order.
func (g *Group) InstallSnapshot(_ context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resp := &raft.InstallSnapshotResponse{Term: g.state.currentTerm}
	if req.Term < g.state.currentTerm {
		return resp, nil
	}
	if req.Term > g.state.currentTerm || g.role != Follower {
		g.stepDownLocked(req.Term)
		resp.Term = g.state.currentTerm
	}
	g.lastContact = time.Now()
	g.setLeaderLocked(req.LeaderID)

	if req.Offset == 0 {
		g.snapSink = &snapshotSink{}
	}
	if g.snapSink == nil || g.snapSink.offset != req.Offset {
		// Out of order chunk; make the leader restart the stream.
		g.snapSink = nil
		return resp, nil
	}
	g.snapSink.data = append(g.snapSink.data, req.Data...)
	g.snapSink.offset += uint64(len(req.Data))
	if !req.Done {
		resp.Success = true
		return resp, nil
	}

	snap := &storage.Snapshot{
		LastIndex: req.LastIndex,
		LastTerm:  req.LastTerm,
		Conf:      req.Conf.Clone(),
		Data:      g.snapSink.data,
	}
	g.snapSink = nil

	if snap.LastIndex <= g.state.commitIndex {
		// Everything covered is already committed locally; nothing to do.
		resp.Success = true
		return resp, nil
	}
	if err := g.installSnapshotLocked(snap); err != nil {
		return nil, err
	}
	resp.Success = true
	return resp, nil
}

func (g *Group) installSnapshotLocked(snap *storage.Snapshot) error {
	if err := g.state.log.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("saving snapshot at %d: %w", snap.LastIndex, err)
	}
	// If the log has the snapshot's last entry, the suffix after it is still
	// valid; otherwise the whole log conflicts and is discarded.
	if g.state.entryExists(snap.LastIndex, snap.LastTerm) {
		if err := g.state.log.CompactTo(snap.LastIndex); err != nil {
			return fmt.Errorf("compacting to %d: %w", snap.LastIndex, err)
		}
	} else {
		if first, err := g.state.log.FirstIndex(); err == nil && first > 0 {
			if err := g.state.log.TruncateFrom(first); err != nil {
				return fmt.Errorf("discarding log: %w", err)
			}
		}
		g.state.confMgr.reset(snap.Conf)
	}
	g.state.snapIndex = snap.LastIndex
	g.state.snapTerm = snap.LastTerm
	g.state.updateCommitIndex(snap.LastIndex)
	g.state.confMgr.compactTo(snap.LastIndex)
	g.commitWatch.advance(g.state.commitIndex)

	g.pendingRestore = snap
	g.notifyApply()
	g.metrics.SnapshotsInstalled.Add(1)
	return nil
}

// appendLocalEntryLocked appends one leader-originated entry, assigns its
// index, records self progress and wakes the appenders. Leader only.
func (g *Group) appendLocalEntryLocked(entry *raft.LogEntry) (uint64, error) {
	entry.Index = g.state.lastIndex() + 1
	entry.Term = g.state.currentTerm
	if entry.Type == raft.EntryConfiguration && entry.Conf != nil {
		entry.Conf.Index = entry.Index
	}
	if err := g.state.log.Append([]*raft.LogEntry{entry}); err != nil {
		return 0, fmt.Errorf("appending entry %d: %w", entry.Index, err)
	}
	if entry.Type == raft.EntryConfiguration && entry.Conf != nil {
		g.state.confMgr.add(entry.Conf)
		g.syncAppendersLocked()
	}
	g.metrics.EntriesAppended.Add(1)
	g.leader.match[g.serverID] = entry.Index
	g.leader.wakeAppenders()
	g.maybeCommitLocked()
	return entry.Index, nil
}

// Info returns a point-in-time view of the member for inspection.
func (g *Group) Info() GroupInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	first, _ := g.state.log.FirstIndex()
	return GroupInfo{
		Group:         g.id,
		Server:        g.serverID,
		Role:          g.role,
		Term:          g.state.currentTerm,
		Leader:        g.leaderID,
		CommitIndex:   g.state.commitIndex,
		LastApplied:   g.state.lastApplied,
		FirstIndex:    first,
		LastIndex:     g.state.lastIndex(),
		SnapshotIndex: g.state.snapIndex,
		Configuration: g.state.confMgr.current().Clone(),
		Pending:       g.pendingLenLocked(),
		RetryCache:    g.retryCache.size(),
		Metrics:       g.metrics.Snapshot(),
	}
}

func (g *Group) pendingLenLocked() int {
	if g.leader == nil {
		return 0
	}
	return g.leader.pending.len()
}
