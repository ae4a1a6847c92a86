package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"quorumd/internal/raft"
	"quorumd/internal/raft/wire"
)

var (
	// Bucket names
	logBucket  = []byte("logs")
	metaBucket = []byte("meta")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
	snapIndexKey   = []byte("snapshotIndex")
	snapTermKey    = []byte("snapshotTerm")
	snapConfKey    = []byte("snapshotConf")
	snapDataKey    = []byte("snapshotData")
)

// BboltStorage is a LogStorage backed by a single bbolt file. Entries live in
// the log bucket keyed by big-endian index, so a cursor walks them in index
// order; {currentTerm, votedFor} and the snapshot live in the meta bucket.
type BboltStorage struct {
	conn *bbolt.DB
}

var _ LogStorage = (*BboltStorage)(nil)

// NewBboltStorage opens (or creates) the storage file at path. An unreadable
// file fails here, before the server joins any quorum.
func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", raft.ErrCorrupt, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStorage{conn: db}, nil
}

func (b *BboltStorage) Append(entries []*raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for _, entry := range entries {
			data := wire.AppendLogEntry(nil, entry)
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStorage) Entry(index uint64) (*raft.LogEntry, error) {
	var entry *raft.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data := bucket.Get(uint64ToBytes(index))
		if data == nil {
			first, _ := bucketFirstIndex(bucket)
			if first == 0 || index < first {
				return fmt.Errorf("%w: index %d", raft.ErrCompacted, index)
			}
			return fmt.Errorf("%w: index %d", raft.ErrNotFound, index)
		}
		var err error
		entry, err = wire.UnmarshalLogEntry(data)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", raft.ErrCorrupt, index, err)
		}
		return nil
	})
	return entry, err
}

func (b *BboltStorage) Entries(lo, hi uint64) ([]*raft.LogEntry, error) {
	var entries []*raft.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		first, _ := bucketFirstIndex(bucket)
		if first == 0 || lo < first {
			return fmt.Errorf("%w: index %d", raft.ErrCompacted, lo)
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(uint64ToBytes(lo)); k != nil; k, v = cursor.Next() {
			if bytesToUint64(k) > hi {
				break
			}
			entry, err := wire.UnmarshalLogEntry(v)
			if err != nil {
				return fmt.Errorf("%w: entry %d: %v", raft.ErrCorrupt, bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (b *BboltStorage) TruncateFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStorage) CompactTo(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytesToUint64(k) <= index; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStorage) FirstIndex() (uint64, error) {
	var first uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		var err error
		first, err = bucketFirstIndex(tx.Bucket(logBucket))
		return err
	})
	return first, err
}

func (b *BboltStorage) LastIndex() (uint64, error) {
	var last uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(logBucket).Cursor().Last()
		if k != nil {
			last = bytesToUint64(k)
		}
		return nil
	})
	return last, err
}

func (b *BboltStorage) State() (uint64, *raft.ServerID, error) {
	var term uint64
	var votedFor *raft.ServerID
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			id := raft.ServerID(data)
			votedFor = &id
		}
		return nil
	})
	return term, votedFor, err
}

func (b *BboltStorage) SetState(term uint64, votedFor *raft.ServerID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == nil {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(*votedFor))
	})
}

func (b *BboltStorage) SaveSnapshot(snap *Snapshot) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if err := bucket.Put(snapIndexKey, uint64ToBytes(snap.LastIndex)); err != nil {
			return err
		}
		if err := bucket.Put(snapTermKey, uint64ToBytes(snap.LastTerm)); err != nil {
			return err
		}
		var confData []byte
		if snap.Conf != nil {
			confData = wire.AppendConfiguration(nil, snap.Conf)
		}
		if err := bucket.Put(snapConfKey, confData); err != nil {
			return err
		}
		return bucket.Put(snapDataKey, snap.Data)
	})
}

func (b *BboltStorage) LoadSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		indexData := bucket.Get(snapIndexKey)
		if indexData == nil {
			return nil
		}
		snap = &Snapshot{
			LastIndex: bytesToUint64(indexData),
			LastTerm:  bytesToUint64(bucket.Get(snapTermKey)),
			Data:      append([]byte(nil), bucket.Get(snapDataKey)...),
		}
		if confData := bucket.Get(snapConfKey); len(confData) > 0 {
			conf, err := wire.UnmarshalConfiguration(confData)
			if err != nil {
				return fmt.Errorf("%w: snapshot conf: %v", raft.ErrCorrupt, err)
			}
			snap.Conf = conf
		}
		return nil
	})
	return snap, err
}

func (b *BboltStorage) Sync() error {
	return b.conn.Sync()
}

func (b *BboltStorage) Close() error {
	return b.conn.Close()
}

func bucketFirstIndex(bucket *bbolt.Bucket) (uint64, error) {
	k, _ := bucket.Cursor().First()
	if k == nil {
		return 0, nil
	}
	return bytesToUint64(k), nil
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
