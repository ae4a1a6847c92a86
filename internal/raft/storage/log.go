// Package storage defines the durable storage contract the consensus core
// builds on, together with a bbolt-backed implementation for production and a
// btree-backed in-memory implementation for tests.
package storage

import "quorumd/internal/raft"

// Snapshot is a compacted state machine checkpoint. Entries up to and
// including LastIndex may be dropped from the log once a snapshot covering
// them is saved.
type Snapshot struct {
	LastIndex uint64
	LastTerm  uint64
	// Conf is the configuration effective at LastIndex, so a follower
	// restored from this snapshot knows the membership without the log.
	Conf *raft.Configuration
	Data []byte
}

// LogStorage is the append-only, indexable, durable log plus the small piece
// of per-server state that must survive restarts ({currentTerm, votedFor})
// and the latest snapshot. Implementations must make Append and SetState
// durable before returning: both are persisted before the server responds to
// the RPC that caused them (Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf)).
//
// The log is 1-based. FirstIndex/LastIndex return 0 while no entries are
// retained. Reads below FirstIndex fail with raft.ErrCompacted, reads above
// LastIndex with raft.ErrNotFound.
type LogStorage interface {
	// Append appends entries at the tail. Entries must be contiguous and
	// start at LastIndex()+1 (or at the snapshot boundary for a fresh log).
	Append(entries []*raft.LogEntry) error

	// Entry returns the entry at index.
	Entry(index uint64) (*raft.LogEntry, error)

	// Entries returns entries in [lo, hi], both inclusive.
	Entries(lo, hi uint64) ([]*raft.LogEntry, error)

	// TruncateFrom removes all entries with index >= index. Used to resolve
	// log conflicts (Section 5.3); callers must never truncate committed
	// entries.
	TruncateFrom(index uint64) error

	// CompactTo removes all entries with index <= index after a snapshot
	// covering them has been saved.
	CompactTo(index uint64) error

	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)

	// State returns the persisted {currentTerm, votedFor}. votedFor is nil
	// when no vote has been cast in the current term.
	State() (term uint64, votedFor *raft.ServerID, err error)

	// SetState durably replaces {currentTerm, votedFor} atomically.
	SetState(term uint64, votedFor *raft.ServerID) error

	// SaveSnapshot durably stores the snapshot, replacing any previous one.
	SaveSnapshot(snap *Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil when none exists.
	LoadSnapshot() (*Snapshot, error)

	// Sync forces a durability barrier.
	Sync() error

	Close() error
}
