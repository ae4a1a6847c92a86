package server

import (
	"errors"
	"fmt"

	"quorumd/internal/raft"
	"quorumd/internal/raft/storage"
)

// serverState is the per-group durable and volatile state from Figure 2 of
// the [Raft paper](https://raft.github.io/raft.pdf): {currentTerm, votedFor}
// (durable), commitIndex and lastApplied (volatile), plus ownership of the
// log storage and the configuration manager.
//
// serverState has no lock of its own: every field is guarded by the owning
// Group's state lock, the single serialization point for term, vote and role
// changes (two roles believing they hold the same term is exactly the
// interleaving that lock exists to prevent).
type serverState struct {
	currentTerm uint64
	votedFor    *raft.ServerID

	// commitIndex and lastApplied are monotonically non-decreasing;
	// lastApplied never exceeds commitIndex.
	commitIndex uint64
	lastApplied uint64

	// snapIndex/snapTerm identify the last entry covered by the latest
	// snapshot; log reads at or below snapIndex answer from here.
	snapIndex uint64
	snapTerm  uint64

	log     storage.LogStorage
	confMgr *configurationManager

	// recoveredSnapshot holds a snapshot found in storage at startup. The
	// state machine starts empty on every boot, so the snapshot must be
	// replayed into it before anything else is applied.
	recoveredSnapshot *storage.Snapshot
}

// newServerState re-reads durable state ahead of anything else: persisted
// {currentTerm, votedFor}, the latest snapshot, and the configuration
// history from the retained log suffix. Unreadable state is fatal here, so a
// corrupt server never joins the quorum.
func newServerState(log storage.LogStorage, bootstrap *raft.Configuration) (*serverState, error) {
	term, votedFor, err := log.State()
	if err != nil {
		return nil, fmt.Errorf("%w: reading term/vote: %v", raft.ErrCorrupt, err)
	}

	s := &serverState{
		currentTerm: term,
		votedFor:    votedFor,
		log:         log,
		confMgr:     newConfigurationManager(bootstrap),
	}

	snap, err := log.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.snapIndex = snap.LastIndex
		s.snapTerm = snap.LastTerm
		s.commitIndex = snap.LastIndex
		s.lastApplied = snap.LastIndex
		s.recoveredSnapshot = snap
		if snap.Conf != nil {
			s.confMgr = newConfigurationManager(snap.Conf)
		}
	}

	// Rebuild the configuration history from retained configuration entries.
	first, err := log.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := log.LastIndex()
	if err != nil {
		return nil, err
	}
	if first > 0 {
		entries, err := log.Entries(first, last)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning log [%d,%d]: %v", raft.ErrCorrupt, first, last, err)
		}
		for _, entry := range entries {
			if entry.Type == raft.EntryConfiguration && entry.Conf != nil {
				s.confMgr.add(entry.Conf)
			}
		}
		return s, nil
	}

	// A brand-new member seeds its log with the bootstrap configuration as a
	// durable entry at index 1, term 1. Every bootstrapping member writes the
	// identical entry, so their logs agree from the start, and a restart
	// recovers the membership from the log alone.
	if bootstrap != nil && snap == nil && term == 0 {
		seeded := bootstrap.Clone()
		seeded.Index = 1
		entry := &raft.LogEntry{
			Index: 1,
			Term:  1,
			Type:  raft.EntryConfiguration,
			Conf:  seeded,
		}
		if err := log.Append([]*raft.LogEntry{entry}); err != nil {
			return nil, fmt.Errorf("seeding bootstrap configuration: %w", err)
		}
		s.currentTerm = 1
		if err := log.SetState(1, nil); err != nil {
			return nil, fmt.Errorf("persisting bootstrap term: %w", err)
		}
		s.confMgr.add(seeded)
	}

	return s, nil
}

// persistState durably records {currentTerm, votedFor}. It must be called
// before replying to any RPC whose answer depends on them.
func (s *serverState) persistState() error {
	return s.log.SetState(s.currentTerm, s.votedFor)
}

// lastIndex returns the index of the last log entry, falling back to the
// snapshot boundary when the log is empty.
func (s *serverState) lastIndex() uint64 {
	last, err := s.log.LastIndex()
	if err != nil || last == 0 {
		return s.snapIndex
	}
	return last
}

// termAt returns the term of the entry at index. Index 0 has term 0; the
// snapshot boundary answers from snapshot metadata.
func (s *serverState) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == s.snapIndex {
		return s.snapTerm, nil
	}
	entry, err := s.log.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// lastTerm returns the term of the last log entry.
func (s *serverState) lastTerm() uint64 {
	term, err := s.termAt(s.lastIndex())
	if err != nil {
		return 0
	}
	return term
}

// isUpToDate implements the election restriction from Section 5.4.1: a
// candidate's log is at least as up-to-date if its last term is higher, or
// equal with an index at least as large.
func (s *serverState) isUpToDate(candidateLastIndex, candidateLastTerm uint64) bool {
	ownLastTerm := s.lastTerm()
	if candidateLastTerm != ownLastTerm {
		return candidateLastTerm > ownLastTerm
	}
	return candidateLastIndex >= s.lastIndex()
}

// updateCommitIndex advances the commit index, which never moves backwards.
func (s *serverState) updateCommitIndex(index uint64) bool {
	if index <= s.commitIndex {
		return false
	}
	s.commitIndex = index
	return true
}

// entryExists reports whether the log holds an entry with the given index
// and term (entries covered by the snapshot are committed and count as
// present).
func (s *serverState) entryExists(index, term uint64) bool {
	if index <= s.snapIndex {
		return true
	}
	got, err := s.termAt(index)
	if err != nil {
		return false
	}
	return got == term
}

// errIsMissing reports whether err means the entry is simply absent rather
// than the log being unreadable.
func errIsMissing(err error) bool {
	return errors.Is(err, raft.ErrNotFound) || errors.Is(err, raft.ErrCompacted)
}
