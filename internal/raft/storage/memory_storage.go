package storage

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"quorumd/internal/raft"
)

// entryItem orders log entries by index inside the btree.
type entryItem struct {
	entry *raft.LogEntry
}

func (it entryItem) Less(than btree.Item) bool {
	return it.entry.Index < than.(entryItem).entry.Index
}

func indexKey(index uint64) entryItem {
	return entryItem{entry: &raft.LogEntry{Index: index}}
}

// MemoryStorage is an in-memory LogStorage used by tests and single-process
// experiments. It keeps the log in a btree keyed by index so range reads,
// truncation and compaction mirror the on-disk cursor semantics.
type MemoryStorage struct {
	mu       sync.RWMutex
	log      *btree.BTree
	term     uint64
	votedFor *raft.ServerID
	snap     *Snapshot
	closed   bool
}

var _ LogStorage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{log: btree.New(8)}
}

func (m *MemoryStorage) Append(entries []*raft.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		m.log.ReplaceOrInsert(entryItem{entry: entry})
	}
	return nil
}

func (m *MemoryStorage) Entry(index uint64) (*raft.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.log.Get(indexKey(index))
	if item == nil {
		if first := m.firstIndexLocked(); first == 0 || index < first {
			return nil, fmt.Errorf("%w: index %d", raft.ErrCompacted, index)
		}
		return nil, fmt.Errorf("%w: index %d", raft.ErrNotFound, index)
	}
	return item.(entryItem).entry, nil
}

func (m *MemoryStorage) Entries(lo, hi uint64) ([]*raft.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if first := m.firstIndexLocked(); first == 0 || lo < first {
		return nil, fmt.Errorf("%w: index %d", raft.ErrCompacted, lo)
	}
	var entries []*raft.LogEntry
	m.log.AscendGreaterOrEqual(indexKey(lo), func(item btree.Item) bool {
		entry := item.(entryItem).entry
		if entry.Index > hi {
			return false
		}
		entries = append(entries, entry)
		return true
	})
	return entries, nil
}

func (m *MemoryStorage) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []btree.Item
	m.log.AscendGreaterOrEqual(indexKey(index), func(item btree.Item) bool {
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.log.Delete(item)
	}
	return nil
}

func (m *MemoryStorage) CompactTo(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []btree.Item
	m.log.Ascend(func(item btree.Item) bool {
		if item.(entryItem).entry.Index > index {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.log.Delete(item)
	}
	return nil
}

func (m *MemoryStorage) FirstIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndexLocked(), nil
}

func (m *MemoryStorage) LastIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.log.Len() == 0 {
		return 0, nil
	}
	return m.log.Max().(entryItem).entry.Index, nil
}

func (m *MemoryStorage) State() (uint64, *raft.ServerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, m.votedFor, nil
}

func (m *MemoryStorage) SetState(term uint64, votedFor *raft.ServerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = votedFor
	return nil
}

func (m *MemoryStorage) SaveSnapshot(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

func (m *MemoryStorage) LoadSnapshot() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, nil
}

func (m *MemoryStorage) Sync() error { return nil }

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStorage) firstIndexLocked() uint64 {
	if m.log.Len() == 0 {
		return 0
	}
	return m.log.Min().(entryItem).entry.Index
}
