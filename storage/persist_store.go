package storage

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Thread-safe: LevelDB handles its own synchronization, and a written
// leveldb.Batch becomes visible to readers all at once.
type PersistenceStore struct {
	db *leveldb.DB
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &PersistenceStore{db: db}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Has(key []byte) (bool, error) {
	ok, err := ps.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("Has %x: %w", key, err)
	}
	return ok, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

// Write applies every operation in b atomically.
func (ps *PersistenceStore) Write(b *leveldb.Batch) error {
	if err := ps.db.Write(b, nil); err != nil {
		return fmt.Errorf("Write batch of %d: %w", b.Len(), err)
	}
	return nil
}

// IterateFrom walks keys under prefix in order, starting at the first key
// >= start. Keys and values handed to fn are copies. fn returns false to stop.
func (ps *PersistenceStore) IterateFrom(prefix, start []byte, fn func(key, value []byte) (bool, error)) error {
	return iterateFrom(ps.db.NewIterator(prefixRange(prefix, start), nil), prefix, fn)
}

// Snapshot pins the current state of the database. Reads through it do not
// observe later writes. Release it when done.
func (ps *PersistenceStore) Snapshot() (*Snapshot, error) {
	snap, err := ps.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("GetSnapshot: %w", err)
	}
	return &Snapshot{snap: snap}, nil
}

// Snapshot is a read-only, point-in-time view of a PersistenceStore.
type Snapshot struct {
	snap *leveldb.Snapshot
}

// Get retrieves a value by key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	data, err := s.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

// IterateFrom is PersistenceStore.IterateFrom as of the snapshot.
func (s *Snapshot) IterateFrom(prefix, start []byte, fn func(key, value []byte) (bool, error)) error {
	return iterateFrom(s.snap.NewIterator(prefixRange(prefix, start), nil), prefix, fn)
}

func (s *Snapshot) Release() {
	s.snap.Release()
}

func prefixRange(prefix, start []byte) *util.Range {
	rng := util.BytesPrefix(prefix)
	if bytes.Compare(start, rng.Start) > 0 {
		rng.Start = start
	}
	return rng
}

func iterateFrom(iter iterator.Iterator, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	defer iter.Release()

	for iter.Next() {
		// Copy key and value to avoid iterator reuse issues
		keyCopy := append([]byte(nil), iter.Key()...)
		valueCopy := append([]byte(nil), iter.Value()...)
		more, err := fn(keyCopy, valueCopy)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	if err := iter.Error(); err != nil {
		return fmt.Errorf("IterateFrom %x: %w", prefix, err)
	}
	return nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}
