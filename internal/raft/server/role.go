package server

// A Role is the behavior a group member is currently running: Follower,
// Candidate, or Leader (Section 5.1 from the
// [Raft paper](https://raft.github.io/raft.pdf)). The role is a tagged
// variant: the enum below is the tag, and role-specific state (the
// leaderState with its log appenders) only exists while the matching role is
// held. Transitions happen exclusively through the become*/stepDown
// functions on Group, under the group's state lock.
type Role uint8

const (
	// Follower is the initial role of every member.
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the Role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}
