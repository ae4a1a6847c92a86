package raft

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ServerID uniquely identifies a server in a cluster.
type ServerID string

// ServerAddress is the network address of a server.
type ServerAddress string

// GroupID identifies one replicated group hosted by a server process. A single
// process may participate in several groups at once; every RPC carries the
// GroupID it is addressed to.
type GroupID string

// ClientID identifies one logical client across its whole session.
type ClientID string

// NewServerID generates a fresh random server identity.
func NewServerID() ServerID { return ServerID(uuid.New().String()) }

// NewClientID generates a fresh random client identity.
func NewClientID() ClientID { return ClientID(uuid.New().String()) }

// InvocationID identifies one logical client request across retries. Two
// submissions carrying the same InvocationID must produce at most one state
// machine side effect (Section 8 from the [Raft paper](https://raft.github.io/raft.pdf)).
type InvocationID struct {
	ClientID ClientID
	CallID   uint64
}

func (id InvocationID) String() string {
	return fmt.Sprintf("%s:%d", id.ClientID, id.CallID)
}

// Peer is one member of a configuration.
type Peer struct {
	ID      ServerID
	Address ServerAddress
}

// EntryType discriminates the payload of a LogEntry.
type EntryType uint8

const (
	// EntryCommand carries an opaque state machine command.
	EntryCommand EntryType = iota
	// EntryConfiguration carries a membership change (Section 6).
	EntryConfiguration
	// EntryNoop is appended by a new leader at the start of its term so that
	// entries from prior terms become committable transitively (Section 5.4.2).
	EntryNoop
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryConfiguration:
		return "configuration"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// LogEntry is one position in the replicated log. Index 0 means "no entry";
// real entries start at index 1. Entries are immutable once stored and may
// only be removed by truncating an uncommitted tail or compacting a
// snapshotted prefix.
type LogEntry struct {
	Index uint64
	Term  uint64
	Type  EntryType

	// Command is the state machine payload for EntryCommand entries.
	Command []byte
	// Conf is set for EntryConfiguration entries.
	Conf *Configuration

	// ClientID/CallID carry the submitting client's invocation identity so
	// every replica can rebuild its retry cache at apply time.
	ClientID ClientID
	CallID   uint64
}

// Invocation returns the client invocation identity attached to the entry.
func (e *LogEntry) Invocation() InvocationID {
	return InvocationID{ClientID: e.ClientID, CallID: e.CallID}
}

// HasInvocation reports whether the entry was submitted by a client (as
// opposed to leader-internal noop/configuration entries without a caller).
func (e *LogEntry) HasInvocation() bool { return e.ClientID != "" }

// Configuration is one membership configuration together with the log index
// at which it took effect. A transitional configuration (OldPeers non-empty)
// represents the old-union-new set used during a membership change, where
// agreement requires separate majorities from both sets (Section 6).
type Configuration struct {
	// Index is the log index of the entry that introduced this configuration.
	Index uint64
	// Peers is the (new) peer set.
	Peers []Peer
	// OldPeers is the previous peer set while a change is in flight.
	OldPeers []Peer
}

// IsTransitional reports whether the configuration is an old-union-new set.
func (c *Configuration) IsTransitional() bool { return len(c.OldPeers) > 0 }

// Contains reports whether id is a voter in the new peer set.
func (c *Configuration) Contains(id ServerID) bool {
	for _, p := range c.Peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ContainsAny reports whether id is a voter in either the new or, during a
// transition, the old peer set.
func (c *Configuration) ContainsAny(id ServerID) bool {
	if c.Contains(id) {
		return true
	}
	for _, p := range c.OldPeers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// AllPeers returns the union of the new and old peer sets, deduplicated by ID.
func (c *Configuration) AllPeers() []Peer {
	seen := make(map[ServerID]struct{}, len(c.Peers)+len(c.OldPeers))
	peers := make([]Peer, 0, len(c.Peers)+len(c.OldPeers))
	for _, p := range c.Peers {
		if _, ok := seen[p.ID]; !ok {
			seen[p.ID] = struct{}{}
			peers = append(peers, p)
		}
	}
	for _, p := range c.OldPeers {
		if _, ok := seen[p.ID]; !ok {
			seen[p.ID] = struct{}{}
			peers = append(peers, p)
		}
	}
	return peers
}

// Peer returns the peer record for id from either set.
func (c *Configuration) Peer(id ServerID) (Peer, bool) {
	for _, p := range c.AllPeers() {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// HasMajority reports whether the granted set reaches a quorum. For a
// transitional configuration this requires separate majorities in both the
// old and the new peer set, which is what guarantees overlapping majorities
// across the change.
func (c *Configuration) HasMajority(granted map[ServerID]bool) bool {
	if !majorityOf(c.Peers, granted) {
		return false
	}
	if c.IsTransitional() {
		return majorityOf(c.OldPeers, granted)
	}
	return true
}

// CommittedIndex returns the highest index replicated to a quorum, given the
// match index of every voter. For a transitional configuration it is the
// minimum of the two sets' quorum indices.
func (c *Configuration) CommittedIndex(match map[ServerID]uint64) uint64 {
	n := quorumIndex(c.Peers, match)
	if c.IsTransitional() {
		if old := quorumIndex(c.OldPeers, match); old < n {
			n = old
		}
	}
	return n
}

func majorityOf(peers []Peer, granted map[ServerID]bool) bool {
	if len(peers) == 0 {
		return true
	}
	count := 0
	for _, p := range peers {
		if granted[p.ID] {
			count++
		}
	}
	return count >= len(peers)/2+1
}

func quorumIndex(peers []Peer, match map[ServerID]uint64) uint64 {
	if len(peers) == 0 {
		return 0
	}
	indices := make([]uint64, 0, len(peers))
	for _, p := range peers {
		indices = append(indices, match[p.ID])
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	// The quorum-th highest match index is replicated on a majority.
	return indices[len(peers)/2]
}

func (c *Configuration) String() string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, string(p.ID))
	}
	s := fmt.Sprintf("{index=%d peers=[%s]", c.Index, strings.Join(ids, ","))
	if c.IsTransitional() {
		old := make([]string, 0, len(c.OldPeers))
		for _, p := range c.OldPeers {
			old = append(old, string(p.ID))
		}
		s += fmt.Sprintf(" old=[%s]", strings.Join(old, ","))
	}
	return s + "}"
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	cp := &Configuration{Index: c.Index}
	cp.Peers = append([]Peer(nil), c.Peers...)
	if len(c.OldPeers) > 0 {
		cp.OldPeers = append([]Peer(nil), c.OldPeers...)
	}
	return cp
}
