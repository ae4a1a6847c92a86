package server

import (
	"sort"

	"quorumd/internal/raft"
)

// configurationManager tracks the membership history of a group. Following
// Section 6 of the [Raft paper](https://raft.github.io/raft.pdf), a server
// always uses the latest configuration in its log, committed or not, so
// configurations take effect when their entry is appended and are rolled back
// if that entry is truncated away.
//
// Guarded by the owning Group's state lock.
type configurationManager struct {
	// history holds configurations ordered by log index. history[0] is the
	// bootstrap configuration at index 0 and is never removed.
	history []*raft.Configuration
}

func newConfigurationManager(bootstrap *raft.Configuration) *configurationManager {
	initial := &raft.Configuration{}
	if bootstrap != nil {
		initial = bootstrap.Clone()
	}
	initial.Index = 0
	return &configurationManager{history: []*raft.Configuration{initial}}
}

// add records a configuration appended to the log. Indices arrive in
// ascending order except when a follower overwrites a conflicting suffix, so
// an equal-or-lower index replaces the tail first.
func (m *configurationManager) add(conf *raft.Configuration) {
	m.truncateFrom(conf.Index)
	m.history = append(m.history, conf.Clone())
}

// current returns the latest known configuration.
func (m *configurationManager) current() *raft.Configuration {
	return m.history[len(m.history)-1]
}

// effectiveAt returns the configuration in force at the given log index: the
// latest one whose index does not exceed it.
func (m *configurationManager) effectiveAt(index uint64) *raft.Configuration {
	i := sort.Search(len(m.history), func(i int) bool {
		return m.history[i].Index > index
	})
	return m.history[i-1]
}

// truncateFrom drops configurations at or above index, undoing membership
// changes whose log entries were overwritten. The bootstrap configuration
// stays.
func (m *configurationManager) truncateFrom(index uint64) {
	for len(m.history) > 1 && m.history[len(m.history)-1].Index >= index {
		m.history = m.history[:len(m.history)-1]
	}
}

// compactTo forgets history below index, keeping the configuration effective
// at index as the new base. Called after snapshotting.
func (m *configurationManager) compactTo(index uint64) {
	i := sort.Search(len(m.history), func(i int) bool {
		return m.history[i].Index > index
	})
	if i > 1 {
		m.history = m.history[i-1:]
	}
}

// reset replaces the whole history with the configuration from an installed
// snapshot.
func (m *configurationManager) reset(conf *raft.Configuration) {
	if conf == nil {
		conf = &raft.Configuration{}
	}
	m.history = []*raft.Configuration{conf.Clone()}
}

// changeInProgress reports whether a membership change is still underway: the
// latest configuration is transitional, or it is newer than what has been
// committed.
func (m *configurationManager) changeInProgress(commitIndex uint64) bool {
	cur := m.current()
	return cur.IsTransitional() || cur.Index > commitIndex
}
