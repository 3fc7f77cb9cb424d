package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// Database wraps the Badger database holding the durable resource table.
type Database struct {
	db   *badger.DB
	once sync.Once
}

// NewDatabase opens (or creates) the Badger database at path.
func NewDatabase(path string) (*Database, error) {
	// Remove any stale lock file left by a crashed process before opening
	lockFile := filepath.Join(path, "LOCK")
	if err := os.Remove(lockFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing lock file: %w", err)
	}
	return openDatabase(badger.DefaultOptions(path))
}

// NewInMemoryDatabase opens a Badger database without any on-disk state.
func NewInMemoryDatabase() (*Database, error) {
	return openDatabase(badger.DefaultOptions("").WithInMemory(true))
}

func openDatabase(opts badger.Options) (*Database, error) {
	d := &Database{}
	var err error
	d.once.Do(func() {
		d.db, err = badger.Open(opts.WithLogger(nil))
		if err != nil {
			err = fmt.Errorf("failed to open Badger database: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns a copy of the value stored under key.
func (d *Database) Get(key []byte) ([]byte, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Batch stages writes through fn and flushes them together. Nothing is
// written when fn fails.
func (d *Database) Batch(fn func(wb *badger.WriteBatch) error) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	if err := fn(wb); err != nil {
		return err
	}
	return wb.Flush()
}

// Keys calls fn for every key under prefix. The key slice is only valid
// during the call.
func (d *Database) Keys(prefix []byte, fn func(key []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := fn(it.Item().Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}
