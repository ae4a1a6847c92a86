package server

import (
	"sync"
	"time"

	"quorumd/internal/raft"
)

// retryCache gives client commands at-most-once application. Every submit
// carries an invocation id {ClientID, CallID}; a retry of an already applied
// invocation is answered from the cache instead of being applied again.
// Every member maintains the cache while applying entries, so a retry sent
// to a freshly elected leader still hits.
//
// The cache has its own lock: the state machine updater and RPC handlers
// touch it without holding the group state lock.
type retryCache struct {
	mu      sync.Mutex
	entries map[raft.InvocationID]*cacheEntry

	expiry time.Duration
	stop   chan struct{}
	once   sync.Once
}

// cacheEntry is one tracked invocation. done is closed exactly once, when
// the invocation completes; result and status are immutable afterwards.
type cacheEntry struct {
	invocation raft.InvocationID
	done       chan struct{}
	result     []byte
	status     raft.ClientStatus
	message    string
	expiresAt  time.Time
}

// completed reports whether done has been closed.
func (e *cacheEntry) completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// failed reports whether the invocation completed without being applied.
// Failed entries are evicted so the client's retry can run.
func (e *cacheEntry) failed() bool {
	return e.completed() && e.status != raft.StatusOK
}

func newRetryCache(expiry, sweepInterval time.Duration) *retryCache {
	c := &retryCache{
		entries: make(map[raft.InvocationID]*cacheEntry),
		expiry:  expiry,
		stop:    make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// getOrCreate returns the entry for an invocation, creating a pending one if
// absent. The second return value reports whether the entry already existed.
// A previously failed entry is replaced, giving the retry a fresh attempt.
func (c *retryCache) getOrCreate(inv raft.InvocationID) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[inv]; ok && !entry.failed() {
		return entry, true
	}
	entry := &cacheEntry{
		invocation: inv,
		done:       make(chan struct{}),
		expiresAt:  time.Now().Add(c.expiry),
	}
	c.entries[inv] = entry
	return entry, false
}

// get returns the entry for an invocation, or nil.
func (c *retryCache) get(inv raft.InvocationID) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[inv]
}

// complete marks an invocation finished. Only the state machine updater
// calls complete with StatusOK, so a successful apply always wins over any
// concurrent failure report for the same invocation.
func (c *retryCache) complete(inv raft.InvocationID, status raft.ClientStatus, result []byte, message string) {
	c.mu.Lock()
	entry, ok := c.entries[inv]
	if !ok {
		entry = &cacheEntry{invocation: inv, done: make(chan struct{})}
		c.entries[inv] = entry
	}
	if entry.completed() {
		c.mu.Unlock()
		return
	}
	entry.status = status
	entry.result = result
	entry.message = message
	entry.expiresAt = time.Now().Add(c.expiry)
	close(entry.done)
	c.mu.Unlock()
}

// size returns the number of tracked invocations.
func (c *retryCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// close stops the sweeper.
func (c *retryCache) close() {
	c.once.Do(func() { close(c.stop) })
}

// sweep periodically evicts completed entries past their expiry. Pending
// entries are kept: a submit whose entry was lost to truncation completes
// once the invocation is retried and the new entry applies here.
func (c *retryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for inv, entry := range c.entries {
				if entry.completed() && now.After(entry.expiresAt) {
					delete(c.entries, inv)
				}
			}
			c.mu.Unlock()
		}
	}
}
