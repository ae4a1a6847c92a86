package raft

// The logical RPC surface of the engine. These are plain structs so the
// transport binding stays swappable; the gRPC binding in
// internal/raft/transport serializes them with the wire codec.

// RequestVoteRequest is sent by a candidate to every voter in the
// configuration effective at its log tail (Section 5.2).
type RequestVoteRequest struct {
	GroupID      GroupID
	Term         uint64
	CandidateID  ServerID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is the voter's verdict.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest replicates entries (or, with no entries, acts as a
// heartbeat) from the leader to one follower (Section 5.3).
type AppendEntriesRequest struct {
	GroupID      GroupID
	Term         uint64
	LeaderID     ServerID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse reports the follower's verdict. On rejection,
// MatchHint is the follower's best guess at the highest index up to which its
// log could still be consistent with the leader's, letting the leader rewind
// nextIndex in large steps instead of one entry per round trip.
type AppendEntriesResponse struct {
	Term      uint64
	Success   bool
	MatchHint uint64
	// LastIndex is the follower's last log index after the call, used by the
	// leader to advance matchIndex past heartbeats.
	LastIndex uint64
}

// InstallSnapshotRequest streams one chunk of a snapshot to a follower whose
// log is too far behind to be repaired by AppendEntries (Section 7).
type InstallSnapshotRequest struct {
	GroupID  GroupID
	Term     uint64
	LeaderID ServerID
	// LastIndex/LastTerm identify the last entry covered by the snapshot.
	LastIndex uint64
	LastTerm  uint64
	// Conf is the configuration effective at LastIndex.
	Conf   *Configuration
	Offset uint64
	Data   []byte
	Done   bool
}

// InstallSnapshotResponse acknowledges a chunk.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

// ClientStatus is the outcome class of a client-facing operation. Protocol
// level anomalies never reach clients; these are the only client-visible
// failure modes besides the state machine's own result.
type ClientStatus uint8

const (
	StatusOK ClientStatus = iota
	StatusNotLeader
	StatusConfChangeInProgress
	StatusTimeout
	StatusError
)

// SubmitRequest submits one command for replicated, exactly-once execution.
type SubmitRequest struct {
	GroupID  GroupID
	ClientID ClientID
	CallID   uint64
	Command  []byte
}

// SubmitResponse carries the state machine result once the command has been
// committed and applied, or a retryable status.
type SubmitResponse struct {
	Status ClientStatus
	// LeaderHint is the last known leader when Status is StatusNotLeader.
	LeaderHint ServerAddress
	Result     []byte
	// Message describes a StatusError outcome.
	Message string
}

// ReadRequest queries the state machine. A linearizable read is served by the
// leader after confirming its leadership and waiting for the read index to be
// applied; a non-linearizable read answers from local applied state.
type ReadRequest struct {
	GroupID      GroupID
	Query        []byte
	Linearizable bool
}

// ReadResponse carries the query result.
type ReadResponse struct {
	Status     ClientStatus
	LeaderHint ServerAddress
	Result     []byte
	Message    string
}

// SetConfigurationRequest replaces the group's peer set. Rejected while
// another change is still in flight.
type SetConfigurationRequest struct {
	GroupID GroupID
	Peers   []Peer
}

// SetConfigurationResponse reports the outcome of a membership change.
type SetConfigurationResponse struct {
	Status     ClientStatus
	LeaderHint ServerAddress
	Message    string
}
