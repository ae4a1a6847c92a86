package raft

import "errors"

var (
	// ErrNotLeader is returned to a client whose request reached a server that
	// is not the leader, or whose leadership was lost while the request was
	// pending. The client should retry against the hinted leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrConfChangeInProgress rejects a membership change while an earlier one
	// has not yet completed.
	ErrConfChangeInProgress = errors.New("raft: configuration change in progress")

	// ErrTimeout is returned when a client request could not be resolved
	// within its deadline.
	ErrTimeout = errors.New("raft: request timed out")

	// ErrGroupClosed is returned once a group has been shut down or has
	// halted after a fatal condition.
	ErrGroupClosed = errors.New("raft: group closed")

	// ErrUnknownGroup is returned for an RPC addressed to a group this server
	// does not host.
	ErrUnknownGroup = errors.New("raft: unknown group")

	// ErrCompacted is returned by log storage when the requested index has
	// been compacted into a snapshot.
	ErrCompacted = errors.New("raft: log index compacted")

	// ErrNotFound is returned by log storage for an index past the last entry.
	ErrNotFound = errors.New("raft: log entry not found")

	// ErrCorrupt indicates unreadable persisted state. Fatal at startup: the
	// server must not join the quorum until repaired.
	ErrCorrupt = errors.New("raft: corrupt persisted state")
)
