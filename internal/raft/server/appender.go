package server

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"quorumd/internal/raft"
)

// logAppender drives replication to one peer for the duration of one
// leadership term (Section 5.3 from the
// [Raft paper](https://raft.github.io/raft.pdf)). It owns the peer's
// nextIndex privately; matchIndex lives in leaderState under the group lock
// because commit advancement reads it across all peers.
//
// The appender retries for as long as the term lasts. Failures back off with
// the configured pacing; a successful round trip resets it.
type logAppender struct {
	g      *Group
	ls     *leaderState
	peer   raft.Peer
	logger *logrus.Entry

	// nextIndex is the first entry to send to this peer. Only the appender
	// goroutine touches it.
	nextIndex uint64

	notify chan struct{}
	stopCh chan struct{}
}

func newLogAppender(g *Group, ls *leaderState, peer raft.Peer) *logAppender {
	return &logAppender{
		g:    g,
		ls:   ls,
		peer: peer,
		logger: g.cfg.ComponentLogger("appender", logrus.Fields{
			"group": g.id,
			"peer":  peer.ID,
			"term":  ls.term,
		}),
		nextIndex: g.state.lastIndex() + 1,
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// wake nudges the appender; a pending nudge coalesces with new ones.
func (a *logAppender) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// stop halts this appender without affecting the rest of the leader state.
func (a *logAppender) stop() {
	close(a.stopCh)
}

// run replicates until the term ends: new entries as they appear, empty
// heartbeats when idle.
func (a *logAppender) run() {
	heartbeat := time.NewTicker(a.g.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var attempt uint
	for {
		select {
		case <-a.ls.ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.notify:
		case <-heartbeat.C:
		}

		err := a.replicate()
		switch {
		case err == nil:
			attempt = 0
		case errors.Is(err, errTermEnded):
			return
		default:
			attempt++
			a.logger.WithError(err).WithField("attempt", attempt).Debug("replication round failed")
			select {
			case <-a.ls.ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-time.After(a.g.cfg.Backoff(attempt)):
			}
		}
	}
}

// errTermEnded means the appender's term is over and it must exit.
var errTermEnded = errors.New("leadership term ended")

// replicate runs AppendEntries rounds until the peer is caught up. A peer
// whose nextIndex has been compacted away is brought up with a snapshot
// instead (Section 7).
func (a *logAppender) replicate() error {
	for {
		req, snapshotNeeded, err := a.buildRequest()
		if err != nil {
			return err
		}
		if snapshotNeeded {
			if err := a.sendSnapshot(); err != nil {
				return err
			}
			continue
		}

		ctx, cancel := context.WithTimeout(a.ls.ctx, a.g.cfg.RPCTimeout)
		resp, err := a.g.trans.AppendEntries(ctx, a.peer, req)
		cancel()
		if err != nil {
			if a.ls.ctx.Err() != nil {
				return errTermEnded
			}
			return err
		}

		if resp.Term > req.Term {
			a.g.mu.Lock()
			a.g.stepDownLocked(resp.Term)
			a.g.mu.Unlock()
			return errTermEnded
		}

		if !resp.Success {
			// Rewind past the conflict. The hint never sends us forward and
			// we always retreat at least one entry.
			next := resp.MatchHint + 1
			if next >= a.nextIndex {
				next = a.nextIndex - 1
			}
			if next < 1 {
				next = 1
			}
			a.nextIndex = next
			continue
		}

		matched := req.PrevLogIndex + uint64(len(req.Entries))
		a.nextIndex = matched + 1

		a.g.mu.Lock()
		a.g.recordPeerProgressLocked(a.ls, a.peer.ID, matched)
		upToDate := a.nextIndex > a.g.state.lastIndex()
		a.g.mu.Unlock()

		a.g.metrics.HeartbeatsSent.Add(1)
		if upToDate {
			return nil
		}
	}
}

// buildRequest assembles the next AppendEntries call under the group lock.
// It reports snapshotNeeded when the peer's nextIndex predates the log's
// retained prefix.
func (a *logAppender) buildRequest() (*raft.AppendEntriesRequest, bool, error) {
	a.g.mu.Lock()
	defer a.g.mu.Unlock()

	if a.g.leader != a.ls {
		return nil, false, errTermEnded
	}

	prevIndex := a.nextIndex - 1
	prevTerm, err := a.g.state.termAt(prevIndex)
	if err != nil {
		if errors.Is(err, raft.ErrCompacted) {
			return nil, true, nil
		}
		return nil, false, err
	}

	req := &raft.AppendEntriesRequest{
		GroupID:      a.g.id,
		Term:         a.ls.term,
		LeaderID:     a.g.serverID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: a.g.state.commitIndex,
	}

	last := a.g.state.lastIndex()
	if a.nextIndex <= last {
		hi := a.nextIndex + uint64(a.g.cfg.MaxAppendEntries) - 1
		if hi > last {
			hi = last
		}
		entries, err := a.g.state.log.Entries(a.nextIndex, hi)
		if err != nil {
			if errors.Is(err, raft.ErrCompacted) {
				return nil, true, nil
			}
			return nil, false, err
		}
		req.Entries = entries
	}
	return req, false, nil
}

// sendSnapshot streams the latest snapshot to the peer in chunks, paced by
// the configured rate limit. On success the peer resumes normal replication
// right after the snapshot boundary.
func (a *logAppender) sendSnapshot() error {
	a.g.mu.Lock()
	if a.g.leader != a.ls {
		a.g.mu.Unlock()
		return errTermEnded
	}
	term := a.ls.term
	a.g.mu.Unlock()

	snap, err := a.g.state.log.LoadSnapshot()
	if err != nil {
		return err
	}
	if snap == nil {
		return errors.New("log compacted but no snapshot available")
	}
	a.logger.WithFields(logrus.Fields{
		"snapshotIndex": snap.LastIndex,
		"size":          len(snap.Data),
	}).Info("streaming snapshot to lagging peer")

	var limiter *rate.Limiter
	if a.g.cfg.SnapshotRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.g.cfg.SnapshotRateLimit), a.g.cfg.SnapshotChunkSize)
	}

	chunkSize := a.g.cfg.SnapshotChunkSize
	for offset := 0; ; offset += chunkSize {
		end := offset + chunkSize
		if end > len(snap.Data) {
			end = len(snap.Data)
		}
		chunk := snap.Data[offset:end]
		done := end == len(snap.Data)

		if limiter != nil && len(chunk) > 0 {
			if err := limiter.WaitN(a.ls.ctx, len(chunk)); err != nil {
				return errTermEnded
			}
		}

		req := &raft.InstallSnapshotRequest{
			GroupID:   a.g.id,
			Term:      term,
			LeaderID:  a.g.serverID,
			LastIndex: snap.LastIndex,
			LastTerm:  snap.LastTerm,
			Conf:      snap.Conf,
			Offset:    uint64(offset),
			Data:      chunk,
			Done:      done,
		}
		ctx, cancel := context.WithTimeout(a.ls.ctx, a.g.cfg.RPCTimeout)
		resp, err := a.g.trans.InstallSnapshot(ctx, a.peer, req)
		cancel()
		if err != nil {
			if a.ls.ctx.Err() != nil {
				return errTermEnded
			}
			return err
		}
		if resp.Term > term {
			a.g.mu.Lock()
			a.g.stepDownLocked(resp.Term)
			a.g.mu.Unlock()
			return errTermEnded
		}
		if !resp.Success {
			return errors.New("peer rejected snapshot chunk")
		}
		if done {
			break
		}
	}

	a.nextIndex = snap.LastIndex + 1
	a.g.mu.Lock()
	a.g.recordPeerProgressLocked(a.ls, a.peer.ID, snap.LastIndex)
	a.g.mu.Unlock()
	return nil
}
