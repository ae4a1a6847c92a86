package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumd/internal/raft"
	"quorumd/internal/raft/state_machine"
	"quorumd/internal/raft/storage"
	"quorumd/internal/raft/transport"
)

// newIdleGroup builds a group whose role loop is not running, so RPC
// handlers can be exercised deterministically.
func newIdleGroup(t *testing.T) *Group {
	t.Helper()
	g, err := NewGroup(GroupOptions{
		ID:           testGroup,
		ServerID:     "follower",
		Address:      "follower",
		Storage:      storage.NewMemoryStorage(),
		StateMachine: state_machine.NewKVStateMachine(),
		Transport:    transport.NewMemoryHub().Transport("follower"),
		Config:       testConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func entriesForTerm(lo, hi, term uint64) []*raft.LogEntry {
	entries := make([]*raft.LogEntry, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		entries = append(entries, &raft.LogEntry{
			Index:   i,
			Term:    term,
			Type:    raft.EntryCommand,
			Command: []byte{byte(term)},
		})
	}
	return entries
}

func appendReq(term, prevIndex, prevTerm, commit uint64, entries []*raft.LogEntry) *raft.AppendEntriesRequest {
	return &raft.AppendEntriesRequest{
		GroupID:      testGroup,
		Term:         term,
		LeaderID:     "leader",
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: commit,
		Entries:      entries,
	}
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	_, err := g.AppendEntries(ctx, appendReq(5, 0, 0, 0, entriesForTerm(1, 2, 5)))
	require.NoError(t, err)

	resp, err := g.AppendEntries(ctx, appendReq(3, 2, 5, 0, nil))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestAppendEntriesRejectsGapWithHint(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	_, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 0, entriesForTerm(1, 3, 1)))
	require.NoError(t, err)

	// The leader assumes index 10 exists; the hint points at our real tail.
	resp, err := g.AppendEntries(ctx, appendReq(1, 10, 1, 0, nil))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(3), resp.MatchHint)
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	// Entries 1-5 from term 1, of which 1-2 are committed.
	resp, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 2, entriesForTerm(1, 5, 1)))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, uint64(2), g.Info().CommitIndex)

	// A new leader at term 2 overwrites 3-5 with its own entries 3-4.
	resp, err = g.AppendEntries(ctx, appendReq(2, 2, 1, 2, entriesForTerm(3, 4, 2)))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, uint64(4), resp.LastIndex)

	entry, err := g.state.log.Entry(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.Term)
	_, err = g.state.log.Entry(5)
	assert.ErrorIs(t, err, raft.ErrNotFound)
}

func TestAppendEntriesRewindsPastConflictingTerm(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	// Local log: 1-2 at term 1, then a run 3-6 from a deposed leader's term 2.
	_, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 0, entriesForTerm(1, 2, 1)))
	require.NoError(t, err)
	_, err = g.AppendEntries(ctx, appendReq(2, 2, 1, 0, entriesForTerm(3, 6, 2)))
	require.NoError(t, err)

	// The real leader at term 3 disagrees at index 6. The hint skips the
	// whole term-2 run instead of probing one index per round trip.
	resp, err := g.AppendEntries(ctx, appendReq(3, 6, 3, 0, nil))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(2), resp.MatchHint)
}

func TestAppendEntriesIsIdempotent(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	_, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 0, entriesForTerm(1, 4, 1)))
	require.NoError(t, err)
	// The same batch again (a duplicated message) must not disturb the log.
	resp, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 0, entriesForTerm(1, 4, 1)))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(4), resp.LastIndex)
}

func TestAppendEntriesCommitNeverExceedsLocalLog(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	resp, err := g.AppendEntries(ctx, appendReq(1, 0, 0, 100, entriesForTerm(1, 3, 1)))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, uint64(3), g.Info().CommitIndex)
}

func TestRequestVoteSingleVotePerTerm(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	resp, err := g.RequestVote(ctx, &raft.RequestVoteRequest{
		GroupID: testGroup, Term: 2, CandidateID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)

	// A competing candidate in the same term is refused.
	resp, err = g.RequestVote(ctx, &raft.RequestVoteRequest{
		GroupID: testGroup, Term: 2, CandidateID: "c2",
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)

	// The same candidate retrying is granted again.
	resp, err = g.RequestVote(ctx, &raft.RequestVoteRequest{
		GroupID: testGroup, Term: 2, CandidateID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
}

func TestRequestVoteRejectsOutdatedLog(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	_, err := g.AppendEntries(ctx, appendReq(2, 0, 0, 0, entriesForTerm(1, 5, 2)))
	require.NoError(t, err)

	t.Run("lower last term", func(t *testing.T) {
		resp, err := g.RequestVote(ctx, &raft.RequestVoteRequest{
			GroupID: testGroup, Term: 3, CandidateID: "c1", LastLogIndex: 9, LastLogTerm: 1,
		})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)
	})
	t.Run("same term shorter log", func(t *testing.T) {
		resp, err := g.RequestVote(ctx, &raft.RequestVoteRequest{
			GroupID: testGroup, Term: 4, CandidateID: "c2", LastLogIndex: 4, LastLogTerm: 2,
		})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)
	})
	t.Run("at least as up to date", func(t *testing.T) {
		resp, err := g.RequestVote(ctx, &raft.RequestVoteRequest{
			GroupID: testGroup, Term: 5, CandidateID: "c3", LastLogIndex: 5, LastLogTerm: 2,
		})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)
	})
}

func TestRequestVoteStaleTermRejected(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	_, err := g.RequestVote(ctx, &raft.RequestVoteRequest{GroupID: testGroup, Term: 5, CandidateID: "c1"})
	require.NoError(t, err)

	resp, err := g.RequestVote(ctx, &raft.RequestVoteRequest{GroupID: testGroup, Term: 3, CandidateID: "c2"})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestInstallSnapshotChunks(t *testing.T) {
	g := newIdleGroup(t)
	ctx := context.Background()

	conf := &raft.Configuration{Index: 9, Peers: testPeers("leader", "follower")}
	chunk := func(offset uint64, data []byte, done bool) *raft.InstallSnapshotRequest {
		return &raft.InstallSnapshotRequest{
			GroupID:   testGroup,
			Term:      4,
			LeaderID:  "leader",
			LastIndex: 10,
			LastTerm:  4,
			Conf:      conf,
			Offset:    offset,
			Data:      data,
			Done:      done,
		}
	}

	resp, err := g.InstallSnapshot(ctx, chunk(0, []byte(`{"a"`), false))
	require.NoError(t, err)
	assert.True(t, resp.Success)

	t.Run("out of order chunk resets the stream", func(t *testing.T) {
		resp, err := g.InstallSnapshot(ctx, chunk(99, []byte(`x`), false))
		require.NoError(t, err)
		assert.False(t, resp.Success)
	})

	// Restart from offset zero and complete.
	resp, err = g.InstallSnapshot(ctx, chunk(0, []byte(`{"a"`), false))
	require.NoError(t, err)
	require.True(t, resp.Success)
	resp, err = g.InstallSnapshot(ctx, chunk(4, []byte(`:"1"}`), true))
	require.NoError(t, err)
	require.True(t, resp.Success)

	info := g.Info()
	assert.Equal(t, uint64(10), info.CommitIndex)
	assert.Equal(t, uint64(10), info.SnapshotIndex)
	require.NotNil(t, info.Configuration)
	assert.True(t, info.Configuration.Contains("follower"))

	snap, err := g.state.log.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []byte(`{"a":"1"}`), snap.Data)
}
