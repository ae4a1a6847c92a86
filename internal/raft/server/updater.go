package server

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"quorumd/internal/raft"
	"quorumd/internal/raft/storage"
)

// runUpdater is the single goroutine allowed to mutate the state machine.
// It applies committed entries in strictly increasing index order, performs
// snapshot restores handed over by InstallSnapshot, resolves the retry cache
// and any pending client requests, and triggers log compaction.
//
// Serializing all Apply and Restore calls here is what makes the state
// machine contract simple: implementations never see concurrent mutation.
func (g *Group) runUpdater() {
	defer g.wg.Done()
	logger := g.cfg.ComponentLogger("updater", logrus.Fields{"group": g.id, "server": g.serverID})

	for {
		select {
		case <-g.shutdownCh:
			return
		case <-g.applyNotify:
		}
		if err := g.applyAvailable(logger); err != nil {
			g.fatal(err)
			return
		}
	}
}

// applyAvailable applies everything committed but not yet applied. Entries
// are read in small batches under the lock and applied outside it, so RPC
// handlers are never blocked behind a slow state machine.
func (g *Group) applyAvailable(logger *logrus.Entry) error {
	for {
		g.mu.Lock()
		if restore := g.pendingRestore; restore != nil {
			g.pendingRestore = nil
			g.mu.Unlock()
			if err := g.restoreSnapshot(logger, restore); err != nil {
				return err
			}
			continue
		}
		if g.state.lastApplied >= g.state.commitIndex {
			g.mu.Unlock()
			return nil
		}
		lo := g.state.lastApplied + 1
		hi := g.state.commitIndex
		if hi > lo+63 {
			hi = lo + 63
		}
		entries, err := g.state.log.Entries(lo, hi)
		g.mu.Unlock()
		if err != nil {
			return fmt.Errorf("reading committed entries [%d,%d]: %w", lo, hi, err)
		}

		for _, entry := range entries {
			if err := g.applyOne(entry); err != nil {
				return err
			}
		}
		g.maybeSnapshot(logger)
	}
}

// applyOne applies a single committed entry and resolves its waiters.
func (g *Group) applyOne(entry *raft.LogEntry) error {
	var result []byte
	if entry.Type == raft.EntryCommand {
		start := time.Now()
		var err error
		result, err = g.sm.Apply(entry)
		if err != nil {
			// The state machine contract reserves errors for divergence.
			return fmt.Errorf("state machine diverged at index %d: %w", entry.Index, err)
		}
		g.metrics.ApplyLatency.Observe(time.Since(start))
		g.metrics.EntriesApplied.Add(1)
	}

	// Every member resolves the retry cache at apply time, so a retried
	// invocation hits the cache no matter which member became leader since.
	if entry.HasInvocation() {
		g.retryCache.complete(entry.Invocation(), raft.StatusOK, result, "")
	}

	g.mu.Lock()
	g.state.lastApplied = entry.Index
	g.applyWatch.advance(entry.Index)
	var pending *pendingRequest
	if g.leader != nil {
		pending = g.leader.pending.take(entry.Index)
	}
	g.mu.Unlock()

	if pending != nil {
		pending.resolve(&raft.SubmitResponse{Status: raft.StatusOK, Result: result})
	}
	return nil
}

// restoreSnapshot replaces the state machine contents from an installed
// snapshot and fast-forwards the applied index past everything it covers.
func (g *Group) restoreSnapshot(logger *logrus.Entry, snap *storage.Snapshot) error {
	if err := g.sm.Restore(snap.Data); err != nil {
		return fmt.Errorf("restoring snapshot at %d: %w", snap.LastIndex, err)
	}
	g.mu.Lock()
	if snap.LastIndex > g.state.lastApplied {
		g.state.lastApplied = snap.LastIndex
		g.applyWatch.advance(snap.LastIndex)
	}
	g.mu.Unlock()
	logger.WithField("snapshotIndex", snap.LastIndex).Info("state machine restored from snapshot")
	return nil
}

// maybeSnapshot compacts the log once enough entries have been applied since
// the last snapshot (Section 7).
func (g *Group) maybeSnapshot(logger *logrus.Entry) {
	threshold := g.cfg.SnapshotThreshold
	if threshold == 0 {
		return
	}
	g.mu.Lock()
	applied := g.state.lastApplied
	since := applied - g.state.snapIndex
	g.mu.Unlock()
	if since < threshold {
		return
	}

	data, err := g.sm.Snapshot()
	if err != nil {
		logger.WithError(err).Error("serializing state machine snapshot")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// The snapshot reflects applied state up to the index captured before
	// Snapshot ran; the updater is the only applier, so nothing moved since.
	term, err := g.state.termAt(applied)
	if err != nil {
		logger.WithError(err).Error("reading term for snapshot boundary")
		return
	}
	snap := &storage.Snapshot{
		LastIndex: applied,
		LastTerm:  term,
		Conf:      g.state.confMgr.effectiveAt(applied).Clone(),
		Data:      data,
	}
	if err := g.state.log.SaveSnapshot(snap); err != nil {
		logger.WithError(err).Error("saving snapshot")
		return
	}
	if err := g.state.log.CompactTo(applied); err != nil {
		logger.WithError(err).Error("compacting log")
		return
	}
	g.state.snapIndex = applied
	g.state.snapTerm = term
	g.state.confMgr.compactTo(applied)
	g.metrics.SnapshotsTaken.Add(1)
	logger.WithFields(logrus.Fields{"snapshotIndex": applied, "size": len(data)}).Info("log compacted")
}
