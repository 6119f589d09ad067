// Package lmdbengine is the production storage.Engine binding over
// github.com/ledgerwatch/lmdb-go, reusing the DupSort flag vocabulary
// common/dbutils/bucket.go's BucketConfigItem establishes for the
// teacher's own buckets. It backs idents that want native duplicate-key
// support, most notably the columnar access method's per-path cell store,
// which is naturally dup-sorted by (path, rowId).
package lmdbengine

import (
	"fmt"

	"github.com/ledgerwatch/lmdb-go/lmdb"

	"github.com/ledgerwatch/collidx/storage"
)

// Engine wraps one LMDB environment; each ident is one named DBI.
type Engine struct {
	env  *lmdb.Env
	dbis map[string]lmdb.DBI
}

// Open creates (or reuses) an LMDB environment rooted at path with up to
// maxDBs named databases, one per ident.
func Open(path string, maxDBs int) (*Engine, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("lmdbengine: new env: %w", err)
	}
	if err := env.SetMaxDBs(maxDBs); err != nil {
		return nil, fmt.Errorf("lmdbengine: set max dbs: %w", err)
	}
	if err := env.Open(path, 0, 0644); err != nil {
		return nil, fmt.Errorf("lmdbengine: open %q: %w", path, err)
	}
	return &Engine{env: env, dbis: map[string]lmdb.DBI{}}, nil
}

func (e *Engine) NewIdent(kind storage.IdentKind, name string, opts storage.IdentOptions) (string, error) {
	flags := uint(lmdb.Create)
	if opts.DupSort {
		flags |= lmdb.DupSort
	}
	var dbi lmdb.DBI
	err := e.env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI(name, flags)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("lmdbengine: open dbi %q: %w", name, err)
	}
	e.dbis[name] = dbi
	return name, nil
}

func (e *Engine) OpenIdent(ident string) (storage.OrderedStore, error) {
	dbi, ok := e.dbis[ident]
	if !ok {
		return nil, fmt.Errorf("lmdbengine: ident %q not open", ident)
	}
	return &orderedStore{env: e.env, dbi: dbi}, nil
}

func (e *Engine) DropIdent(ident string) error {
	dbi, ok := e.dbis[ident]
	if !ok {
		return nil
	}
	err := e.env.Update(func(txn *lmdb.Txn) error {
		return txn.Drop(dbi, true)
	})
	delete(e.dbis, ident)
	return err
}

func (e *Engine) NewRecoveryUnit() storage.RecoveryUnit { return &recoveryUnit{} }
func (e *Engine) SupportsTwoPhaseBuilds() bool          { return true }
func (e *Engine) Close() error                          { return e.env.Close() }

type recoveryUnit struct{}

func (r *recoveryUnit) SetCommitTimestamp(storage.Timestamp)                {}
func (r *recoveryUnit) SetReadSource(storage.ReadSource, storage.Timestamp) {}
func (r *recoveryUnit) Commit() error                                       { return nil }
func (r *recoveryUnit) Abort() error                                        { return nil }

type orderedStore struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

func (s *orderedStore) Put(key, value []byte) error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, key, value, 0)
	})
}

func (s *orderedStore) Delete(key []byte) error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Del(s.dbi, key, nil)
	})
}

func (s *orderedStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.env.View(func(txn *lmdb.Txn) error {
		v, err := txn.Get(s.dbi, key)
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if lmdb.IsNotFound(err) {
		return nil, storage.ErrNotFound
	}
	return out, err
}

func (s *orderedStore) NumEntries() (int64, error) {
	var stat *lmdb.Stat
	err := s.env.View(func(txn *lmdb.Txn) error {
		var err error
		stat, err = txn.Stat(s.dbi)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(stat.Entries), nil
}

func (s *orderedStore) SpaceUsedBytes() (int64, error) {
	var stat *lmdb.Stat
	err := s.env.View(func(txn *lmdb.Txn) error {
		var err error
		stat, err = txn.Stat(s.dbi)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(stat.PSize) * int64(stat.LeafPages+stat.BranchPages+stat.OverflowPages), nil
}

func (s *orderedStore) NewCursor() (storage.OrderedCursor, error) {
	txn, err := s.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		return nil, err
	}
	c, err := txn.OpenCursor(s.dbi)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &cursor{txn: txn, c: c}, nil
}

type cursor struct {
	txn      *lmdb.Txn
	c        *lmdb.Cursor
	savedKey []byte
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	k, v, err := c.c.Get(key, nil, lmdb.SetRange)
	if lmdb.IsNotFound(err) {
		return nil, nil, nil
	}
	return k, v, err
}

func (c *cursor) SeekExact(key []byte) ([]byte, error) {
	_, v, err := c.c.Get(key, nil, lmdb.Set)
	if lmdb.IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

func (c *cursor) Next() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, lmdb.Next)
	if lmdb.IsNotFound(err) {
		return nil, nil, nil
	}
	return k, v, err
}

func (c *cursor) Prev() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, lmdb.Prev)
	if lmdb.IsNotFound(err) {
		return nil, nil, nil
	}
	return k, v, err
}

func (c *cursor) Current() ([]byte, []byte, error) {
	k, v, err := c.c.Get(nil, nil, lmdb.GetCurrent)
	if lmdb.IsNotFound(err) {
		return nil, nil, nil
	}
	return k, v, err
}

func (c *cursor) Save() error {
	k, _, err := c.c.Get(nil, nil, lmdb.GetCurrent)
	if err != nil {
		c.savedKey = nil
		return nil
	}
	c.savedKey = append([]byte(nil), k...)
	return nil
}

func (c *cursor) Restore() error {
	if c.savedKey == nil {
		return nil
	}
	_, _, err := c.c.Get(c.savedKey, nil, lmdb.SetRange)
	if lmdb.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *cursor) Close() {
	c.c.Close()
	c.txn.Abort()
}
