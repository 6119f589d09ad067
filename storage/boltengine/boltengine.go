// Package boltengine is the pure-Go storage.Engine binding, backed by
// github.com/ledgerwatch/bolt the way ethdb/memory_database.go's
// NewMemDatabase2/MemCopy use it for the teacher's in-memory database
// variant. It is the default engine for the single-phase build path and
// for anything that should not require a cgo storage engine.
package boltengine

import (
	"fmt"

	"github.com/ledgerwatch/bolt"

	"github.com/ledgerwatch/collidx/storage"
)

// Engine opens one bolt.DB file (or an in-memory instance) and maps each
// ident to one top-level bucket.
type Engine struct {
	db *bolt.DB
}

// Open opens path, or an in-memory bolt database if path == "".
func Open(path string) (*Engine, error) {
	memOnly := path == ""
	openPath := path
	if memOnly {
		openPath = "in-memory"
	}
	db, err := bolt.Open(openPath, 0600, &bolt.Options{MemOnly: memOnly})
	if err != nil {
		return nil, fmt.Errorf("boltengine: open: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) NewIdent(kind storage.IdentKind, name string, opts storage.IdentOptions) (string, error) {
	ident := name
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket([]byte(ident), true)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("boltengine: create ident %q: %w", ident, err)
	}
	return ident, nil
}

func (e *Engine) OpenIdent(ident string) (storage.OrderedStore, error) {
	return &orderedStore{db: e.db, bucket: []byte(ident)}, nil
}

func (e *Engine) DropIdent(ident string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(ident))
	})
}

func (e *Engine) NewRecoveryUnit() storage.RecoveryUnit { return &recoveryUnit{} }

func (e *Engine) SupportsTwoPhaseBuilds() bool { return true }

func (e *Engine) Close() error { return e.db.Close() }

type recoveryUnit struct{}

func (r *recoveryUnit) SetCommitTimestamp(storage.Timestamp)                 {}
func (r *recoveryUnit) SetReadSource(storage.ReadSource, storage.Timestamp)  {}
func (r *recoveryUnit) Commit() error                                        { return nil }
func (r *recoveryUnit) Abort() error                                         { return nil }

type orderedStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *orderedStore) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put(key, value)
	})
}

func (s *orderedStore) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Delete(key)
	})
}

func (s *orderedStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("boltengine: ident %q not found", s.bucket)
		}
		v := b.Get(key)
		if v == nil {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *orderedStore) NumEntries() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *orderedStore) SpaceUsedBytes() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.ForEach(func(k, v []byte) error {
			n += int64(len(k) + len(v))
			return nil
		})
	})
	return n, err
}

// NewCursor opens a fresh read transaction for the lifetime of the
// cursor; callers must Close it to release the transaction.
func (s *orderedStore) NewCursor() (storage.OrderedCursor, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	b := tx.Bucket(s.bucket)
	return &cursor{tx: tx, c: b.Cursor()}, nil
}

type cursor struct {
	tx       *bolt.Tx
	c        *bolt.Cursor
	savedKey []byte
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	k, v := c.c.Seek(key)
	return k, v, nil
}

func (c *cursor) SeekExact(key []byte) ([]byte, error) {
	k, v := c.c.Seek(key)
	if k == nil || string(k) != string(key) {
		return nil, nil
	}
	return v, nil
}

func (c *cursor) Next() ([]byte, []byte, error) {
	k, v := c.c.Next()
	return k, v, nil
}

func (c *cursor) Prev() ([]byte, []byte, error) {
	k, v := c.c.Prev()
	return k, v, nil
}

func (c *cursor) Current() ([]byte, []byte, error) {
	k, v := c.c.Seek(c.savedKey)
	return k, v, nil
}

func (c *cursor) Save() error {
	k, _ := c.c.Seek(c.savedKey)
	c.savedKey = append([]byte(nil), k...)
	return nil
}

func (c *cursor) Restore() error {
	c.c.Seek(c.savedKey)
	return nil
}

func (c *cursor) Close() {
	_ = c.tx.Rollback()
}
