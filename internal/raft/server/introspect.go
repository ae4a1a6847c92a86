package server

import (
	"quorumd/internal/raft"
	"quorumd/internal/raft/metrics"
)

// GroupInfo is a point-in-time view of one group member, assembled under the
// state lock by Group.Info. Tooling and tests inspect members through it
// instead of reaching into engine internals.
type GroupInfo struct {
	Group  raft.GroupID
	Server raft.ServerID
	Role   Role
	Term   uint64
	Leader raft.ServerID

	CommitIndex   uint64
	LastApplied   uint64
	FirstIndex    uint64
	LastIndex     uint64
	SnapshotIndex uint64

	Configuration *raft.Configuration

	// Pending is the number of client commands appended but not yet
	// answered; non-zero only on a leader.
	Pending int
	// RetryCache is the number of tracked client invocations.
	RetryCache int

	// Metrics is a point-in-time copy of the member's counters.
	Metrics metrics.GroupMetricsSnapshot
}
