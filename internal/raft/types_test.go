package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peers(ids ...ServerID) []Peer {
	ps := make([]Peer, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, Peer{ID: id, Address: ServerAddress("addr-" + id)})
	}
	return ps
}

func TestConfigurationHasMajority(t *testing.T) {
	t.Run("simple majority", func(t *testing.T) {
		conf := &Configuration{Peers: peers("a", "b", "c")}
		assert.False(t, conf.HasMajority(map[ServerID]bool{"a": true}))
		assert.True(t, conf.HasMajority(map[ServerID]bool{"a": true, "b": true}))
	})

	t.Run("transitional needs both sets", func(t *testing.T) {
		conf := &Configuration{
			Peers:    peers("c", "d", "e"),
			OldPeers: peers("a", "b", "c"),
		}
		// Majority of the new set only.
		assert.False(t, conf.HasMajority(map[ServerID]bool{"c": true, "d": true}))
		// Majority of the old set only.
		assert.False(t, conf.HasMajority(map[ServerID]bool{"a": true, "b": true}))
		// c counts in both; a second voter from each set closes both quorums.
		assert.True(t, conf.HasMajority(map[ServerID]bool{"a": true, "c": true, "d": true}))
	})

	t.Run("five member group", func(t *testing.T) {
		conf := &Configuration{Peers: peers("a", "b", "c", "d", "e")}
		assert.False(t, conf.HasMajority(map[ServerID]bool{"a": true, "b": true}))
		assert.True(t, conf.HasMajority(map[ServerID]bool{"a": true, "b": true, "c": true}))
	})
}

func TestConfigurationCommittedIndex(t *testing.T) {
	t.Run("median of matches", func(t *testing.T) {
		conf := &Configuration{Peers: peers("a", "b", "c")}
		match := map[ServerID]uint64{"a": 10, "b": 7, "c": 3}
		assert.Equal(t, uint64(7), conf.CommittedIndex(match))
	})

	t.Run("transitional takes the lower quorum", func(t *testing.T) {
		conf := &Configuration{
			Peers:    peers("c", "d", "e"),
			OldPeers: peers("a", "b", "c"),
		}
		match := map[ServerID]uint64{"a": 2, "b": 2, "c": 10, "d": 10, "e": 10}
		// New set commits 10 but the old set's quorum is stuck at 2.
		assert.Equal(t, uint64(2), conf.CommittedIndex(match))
	})

	t.Run("missing voters count as zero", func(t *testing.T) {
		conf := &Configuration{Peers: peers("a", "b", "c")}
		assert.Equal(t, uint64(0), conf.CommittedIndex(map[ServerID]uint64{"a": 5}))
	})
}

func TestConfigurationMembership(t *testing.T) {
	conf := &Configuration{
		Peers:    peers("c", "d"),
		OldPeers: peers("a", "c"),
	}
	assert.True(t, conf.Contains("c"))
	assert.False(t, conf.Contains("a"))
	assert.True(t, conf.ContainsAny("a"))
	assert.False(t, conf.ContainsAny("z"))

	all := conf.AllPeers()
	require.Len(t, all, 3)

	p, ok := conf.Peer("a")
	require.True(t, ok)
	assert.Equal(t, ServerAddress("addr-a"), p.Address)
}

func TestConfigurationClone(t *testing.T) {
	conf := &Configuration{Index: 4, Peers: peers("a", "b"), OldPeers: peers("c")}
	clone := conf.Clone()
	clone.Peers[0].ID = "mutated"
	clone.Index = 9
	assert.Equal(t, ServerID("a"), conf.Peers[0].ID)
	assert.Equal(t, uint64(4), conf.Index)
}

func TestLogEntryInvocation(t *testing.T) {
	entry := &LogEntry{ClientID: "c1", CallID: 4}
	assert.True(t, entry.HasInvocation())
	assert.Equal(t, InvocationID{ClientID: "c1", CallID: 4}, entry.Invocation())

	noop := &LogEntry{Type: EntryNoop}
	assert.False(t, noop.HasInvocation())
}
