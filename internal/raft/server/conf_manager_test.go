package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumd/internal/raft"
)

func testPeers(ids ...raft.ServerID) []raft.Peer {
	ps := make([]raft.Peer, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, raft.Peer{ID: id, Address: raft.ServerAddress("addr-" + id)})
	}
	return ps
}

func TestConfManagerHistory(t *testing.T) {
	m := newConfigurationManager(&raft.Configuration{Peers: testPeers("a", "b", "c")})

	assert.Equal(t, uint64(0), m.current().Index)
	require.Len(t, m.current().Peers, 3)

	m.add(&raft.Configuration{Index: 5, Peers: testPeers("a", "b", "c", "d"), OldPeers: testPeers("a", "b", "c")})
	m.add(&raft.Configuration{Index: 8, Peers: testPeers("a", "b", "c", "d")})

	assert.Equal(t, uint64(8), m.current().Index)
	assert.Equal(t, uint64(0), m.effectiveAt(4).Index)
	assert.Equal(t, uint64(5), m.effectiveAt(5).Index)
	assert.Equal(t, uint64(5), m.effectiveAt(7).Index)
	assert.Equal(t, uint64(8), m.effectiveAt(100).Index)
}

func TestConfManagerTruncate(t *testing.T) {
	m := newConfigurationManager(&raft.Configuration{Peers: testPeers("a", "b", "c")})
	m.add(&raft.Configuration{Index: 5, Peers: testPeers("a", "b")})
	m.add(&raft.Configuration{Index: 9, Peers: testPeers("a")})

	// Overwriting the log suffix from index 6 rolls back the change at 9.
	m.truncateFrom(6)
	assert.Equal(t, uint64(5), m.current().Index)

	// The bootstrap configuration can never be truncated away.
	m.truncateFrom(0)
	assert.Equal(t, uint64(0), m.current().Index)
	require.Len(t, m.current().Peers, 3)
}

func TestConfManagerConflictingIndexReplacesTail(t *testing.T) {
	m := newConfigurationManager(&raft.Configuration{Peers: testPeers("a", "b", "c")})
	m.add(&raft.Configuration{Index: 5, Peers: testPeers("a", "b")})

	// A new leader's entry at the same index supersedes the old one.
	m.add(&raft.Configuration{Index: 5, Peers: testPeers("a", "b", "c", "d")})
	assert.Equal(t, uint64(5), m.current().Index)
	assert.Len(t, m.current().Peers, 4)
}

func TestConfManagerCompactAndReset(t *testing.T) {
	m := newConfigurationManager(&raft.Configuration{Peers: testPeers("a")})
	m.add(&raft.Configuration{Index: 3, Peers: testPeers("a", "b")})
	m.add(&raft.Configuration{Index: 7, Peers: testPeers("a", "b", "c")})

	m.compactTo(5)
	assert.Equal(t, uint64(3), m.effectiveAt(5).Index)
	assert.Equal(t, uint64(7), m.current().Index)

	m.reset(&raft.Configuration{Index: 20, Peers: testPeers("x", "y")})
	assert.Equal(t, uint64(20), m.current().Index)
	assert.Len(t, m.current().Peers, 2)
}

func TestConfManagerChangeInProgress(t *testing.T) {
	m := newConfigurationManager(&raft.Configuration{Peers: testPeers("a", "b", "c")})
	assert.False(t, m.changeInProgress(0))

	m.add(&raft.Configuration{Index: 4, Peers: testPeers("a", "b"), OldPeers: testPeers("a", "b", "c")})
	// Transitional is in progress even once committed.
	assert.True(t, m.changeInProgress(10))

	m.add(&raft.Configuration{Index: 6, Peers: testPeers("a", "b")})
	assert.True(t, m.changeInProgress(5))
	assert.False(t, m.changeInProgress(6))
}
