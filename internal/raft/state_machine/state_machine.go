package state_machine

import "quorumd/internal/raft"

// StateMachine is the deterministic application the replicated log drives.
// Apply is called exactly once per committed entry, in strictly increasing
// index order, from a single goroutine. Given the same entry sequence, every
// replica's state machine must reach the same state; an error from Apply is
// therefore treated as unrecoverable divergence and halts the group.
//
// Command-level outcomes (including application-declared failures) belong in
// the returned result bytes, not in the error: they are cached by the retry
// cache and replayed verbatim to retrying clients.
type StateMachine interface {
	// Apply executes one committed command and returns its result.
	Apply(entry *raft.LogEntry) ([]byte, error)

	// Query answers a read-only query against applied state.
	Query(query []byte) ([]byte, error)

	// Snapshot serializes the whole applied state for log compaction and
	// lagging-follower catch-up.
	Snapshot() ([]byte, error)

	// Restore replaces the applied state from a snapshot.
	Restore(data []byte) error
}
