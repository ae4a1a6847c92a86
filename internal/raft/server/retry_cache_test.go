package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumd/internal/raft"
)

func newTestCache(t *testing.T) *retryCache {
	t.Helper()
	c := newRetryCache(time.Minute, time.Minute)
	t.Cleanup(c.close)
	return c
}

func TestRetryCacheGetOrCreate(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c1", CallID: 1}

	entry, existed := c.getOrCreate(inv)
	assert.False(t, existed)
	assert.False(t, entry.completed())

	again, existed := c.getOrCreate(inv)
	assert.True(t, existed)
	assert.Same(t, entry, again)
}

func TestRetryCacheCompleteWakesWaiters(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c1", CallID: 2}
	entry, _ := c.getOrCreate(inv)

	done := make(chan struct{})
	go func() {
		<-entry.done
		close(done)
	}()

	c.complete(inv, raft.StatusOK, []byte("result"), "")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
	assert.True(t, entry.completed())
	assert.Equal(t, raft.StatusOK, entry.status)
	assert.Equal(t, []byte("result"), entry.result)
}

func TestRetryCacheCompleteIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c1", CallID: 3}
	c.getOrCreate(inv)

	c.complete(inv, raft.StatusOK, []byte("first"), "")
	c.complete(inv, raft.StatusError, []byte("second"), "late failure")

	entry := c.get(inv)
	require.NotNil(t, entry)
	assert.Equal(t, raft.StatusOK, entry.status)
	assert.Equal(t, []byte("first"), entry.result)
}

func TestRetryCacheFailedEntryIsReplaced(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c1", CallID: 4}
	c.getOrCreate(inv)
	c.complete(inv, raft.StatusTimeout, nil, "gave up")

	// The retry must get a fresh attempt, not the cached failure.
	entry, existed := c.getOrCreate(inv)
	assert.False(t, existed)
	assert.False(t, entry.completed())
}

func TestRetryCacheCompleteWithoutCreate(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c2", CallID: 1}

	// A follower applying replicated entries caches results for invocations
	// it never saw submitted.
	c.complete(inv, raft.StatusOK, []byte("applied"), "")
	entry := c.get(inv)
	require.NotNil(t, entry)
	assert.True(t, entry.completed())
	assert.Equal(t, []byte("applied"), entry.result)
}

func TestRetryCacheSweepEvictsExpired(t *testing.T) {
	c := newRetryCache(10*time.Millisecond, 5*time.Millisecond)
	defer c.close()

	inv := raft.InvocationID{ClientID: "c3", CallID: 1}
	c.getOrCreate(inv)
	c.complete(inv, raft.StatusOK, nil, "")

	require.Eventually(t, func() bool {
		return c.size() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRetryCacheConcurrentAccess(t *testing.T) {
	c := newTestCache(t)
	inv := raft.InvocationID{ClientID: "c4", CallID: 1}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _ := c.getOrCreate(inv)
			<-entry.done
		}()
	}
	c.complete(inv, raft.StatusOK, []byte("once"), "")
	wg.Wait()

	assert.Equal(t, 1, c.size())
}
