// Package sdi is the Sorted-Data Interface (spec §4.2): the ordered
// key-value contract every access method builds on top of a
// storage.OrderedStore. It adds the semantics a raw OrderedStore does
// not have on its own: duplicate-key detection and reporting, a
// direction-aware cursor, a dedicated bulk-load path, and validation/
// space-accounting helpers, the way the teacher layers eth/stagedsync's
// higher-level index semantics over ethdb's raw KV cursor.
package sdi

import (
	"bytes"
	"sort"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/storage"
)

// Direction controls which way a Cursor walks.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Interface is the Sorted-Data Interface surface every access method
// consumes. Implementations are not expected to be safe for concurrent
// writers without an external recovery unit serializing them, matching
// the teacher's single-writer-per-recovery-unit assumption.
type Interface interface {
	Insert(key keyenc.Key, recordIDBytes []byte, dupsAllowed bool) error
	Unindex(key keyenc.Key, recordIDBytes []byte, dupsAllowed bool) error
	FindLoc(key keyenc.Key) (recordIDBytes []byte, found bool, err error)
	NewCursor(dir Direction) (Cursor, error)
	MakeBulkBuilder(dupsAllowed bool) BulkBuilder
	Validate(full bool) ([]string, error)
	NumEntries() (int64, error)
	SpaceUsedBytes() (int64, error)
	FreeStorageBytes() (int64, error)
	Compact() error
	InitAsEmpty() error
}

// Cursor walks entries in key order (or reverse), restartable across
// yields via Save/Restore.
type Cursor interface {
	SeekExact(key keyenc.Key) (recordIDBytes []byte, found bool, err error)
	Seek(key keyenc.Key) (ok bool, err error)
	Advance() (ok bool, err error)
	Current() (ordered, recordIDBytes []byte, err error)
	Save() error
	Restore() error
	Close()
}

// BulkBuilder accumulates keys for a single bulk load. Callers must add
// keys in increasing order; AddKey enforces that under
// keyenc.CompareWithTypeBits exactly as the ETL bulk builder's debug
// invariant requires (spec §4.6).
type BulkBuilder interface {
	AddKey(key keyenc.Key, recordIDBytes []byte) error
	Commit() error
}

type sdi struct {
	store       storage.OrderedStore
	dupsAllowed bool
}

// Wrap adapts a storage.OrderedStore into a Sorted-Data Interface.
func Wrap(store storage.OrderedStore, dupsAllowed bool) Interface {
	return &sdi{store: store, dupsAllowed: dupsAllowed}
}

// entryKey is the physical key stored in the OrderedStore: the ordered
// bytes, optionally suffixed with the recordID bytes when duplicates are
// allowed (so distinct records with equal index keys do not collide).
func entryKey(key keyenc.Key, recordIDBytes []byte, dupsAllowed bool) []byte {
	if !dupsAllowed {
		return key.Ordered
	}
	buf := make([]byte, 0, len(key.Ordered)+len(recordIDBytes))
	buf = append(buf, key.Ordered...)
	buf = append(buf, recordIDBytes...)
	return buf
}

func (s *sdi) Insert(key keyenc.Key, recordIDBytes []byte, dupsAllowed bool) error {
	if !dupsAllowed {
		prefix := bytes.TrimSuffix(key.Ordered, recordIDBytes)
		c, err := s.store.NewCursor()
		if err != nil {
			return err
		}
		k, _, err := c.Seek(prefix)
		c.Close()
		if err != nil {
			return err
		}
		if k != nil && bytes.HasPrefix(k, prefix) {
			return collidxerr.New(collidxerr.DuplicateKeyKind, "duplicate key on unique index")
		}
	}
	pk := entryKey(key, recordIDBytes, dupsAllowed)
	return s.store.Put(pk, recordIDBytes)
}

func (s *sdi) Unindex(key keyenc.Key, recordIDBytes []byte, dupsAllowed bool) error {
	pk := entryKey(key, recordIDBytes, dupsAllowed)
	return s.store.Delete(pk)
}

func (s *sdi) FindLoc(key keyenc.Key) (recordIDBytes []byte, found bool, err error) {
	v, err := s.store.Get(key.Ordered)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sdi) NewCursor(dir Direction) (Cursor, error) {
	c, err := s.store.NewCursor()
	if err != nil {
		return nil, err
	}
	return &cursor{c: c, dir: dir, started: false}, nil
}

func (s *sdi) MakeBulkBuilder(dupsAllowed bool) BulkBuilder {
	return &bulkBuilder{store: s.store, dupsAllowed: dupsAllowed}
}

func (s *sdi) Validate(full bool) ([]string, error) {
	var problems []string
	c, err := s.store.NewCursor()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var prev []byte
	k, _, err := c.Seek(nil)
	for ; k != nil; k, _, err = c.Next() {
		if err != nil {
			return problems, err
		}
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			problems = append(problems, "index entries out of order")
		}
		prev = append([]byte(nil), k...)
		if !full {
			continue
		}
	}
	return problems, err
}

func (s *sdi) NumEntries() (int64, error)      { return s.store.NumEntries() }
func (s *sdi) SpaceUsedBytes() (int64, error)  { return s.store.SpaceUsedBytes() }
func (s *sdi) FreeStorageBytes() (int64, error) { return 0, nil }
func (s *sdi) Compact() error                   { return nil }
func (s *sdi) InitAsEmpty() error {
	c, err := s.store.NewCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	var keys [][]byte
	k, _, err := c.Seek(nil)
	for ; k != nil; k, _, err = c.Next() {
		if err != nil {
			return err
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := s.store.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

type cursor struct {
	c       storage.OrderedCursor
	dir     Direction
	started bool
	k, v    []byte
}

func (cur *cursor) SeekExact(key keyenc.Key) ([]byte, bool, error) {
	v, err := cur.c.SeekExact(key.Ordered)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	cur.started = true
	return v, true, nil
}

func (cur *cursor) Seek(key keyenc.Key) (bool, error) {
	k, v, err := cur.c.Seek(key.Ordered)
	if err != nil {
		return false, err
	}
	cur.started = true
	cur.k, cur.v = k, v
	if cur.dir == Backward && (k == nil || !bytes.Equal(k, key.Ordered)) {
		return cur.Advance()
	}
	return k != nil, nil
}

func (cur *cursor) Advance() (bool, error) {
	var k, v []byte
	var err error
	if !cur.started {
		cur.started = true
		if cur.dir == Forward {
			k, v, err = cur.c.Seek(nil)
		} else {
			k, v, err = cur.c.Current()
		}
	} else if cur.dir == Forward {
		k, v, err = cur.c.Next()
	} else {
		k, v, err = cur.c.Prev()
	}
	if err != nil {
		return false, err
	}
	cur.k, cur.v = k, v
	return k != nil, nil
}

func (cur *cursor) Current() ([]byte, []byte, error) {
	return cur.k, cur.v, nil
}

func (cur *cursor) Save() error    { return cur.c.Save() }
func (cur *cursor) Restore() error { return cur.c.Restore() }
func (cur *cursor) Close()         { cur.c.Close() }

// bulkBuilder spools entries in memory and requires callers to add them
// in ascending order, mirroring the ETL bulk-load invariant that the
// merge phase never has to re-sort a single source run (spec §4.6).
type bulkBuilder struct {
	store       storage.OrderedStore
	dupsAllowed bool
	entries     []bulkEntry
	lastKey     keyenc.Key
	hasLast     bool
}

type bulkEntry struct {
	physKey []byte
	value   []byte
}

func (b *bulkBuilder) AddKey(key keyenc.Key, recordIDBytes []byte) error {
	if b.hasLast {
		if keyenc.CompareWithTypeBits(b.lastKey, key) > 0 {
			return collidxerr.New(collidxerr.DataCorruptionDetected, "bulk builder received keys out of order")
		}
		if !b.dupsAllowed {
			lastRID := b.entries[len(b.entries)-1].value
			if bytes.Equal(bytes.TrimSuffix(b.lastKey.Ordered, lastRID), bytes.TrimSuffix(key.Ordered, recordIDBytes)) {
				return collidxerr.New(collidxerr.DuplicateKeyKind, "duplicate key on unique index")
			}
		}
	}
	b.lastKey = key
	b.hasLast = true
	b.entries = append(b.entries, bulkEntry{
		physKey: entryKey(key, recordIDBytes, b.dupsAllowed),
		value:   recordIDBytes,
	})
	return nil
}

func (b *bulkBuilder) Commit() error {
	sort.Slice(b.entries, func(i, j int) bool {
		return bytes.Compare(b.entries[i].physKey, b.entries[j].physKey) < 0
	})
	for _, e := range b.entries {
		if err := b.store.Put(e.physKey, e.value); err != nil {
			return err
		}
	}
	return nil
}
