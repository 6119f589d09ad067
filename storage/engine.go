// Package storage is the storage-engine interface (spec §6): the external
// collaborator that allocates and opens idents, hands out recovery units
// with snapshot isolation, and advertises two-phase build support. Its
// shape follows ethdb.Database/KV/Cursor in the teacher repo: idents are
// opaque names and cursors are ordered and save/restorable. OrderedStore
// mutations apply directly; RecoveryUnit is a separate commit/abort
// handle that no OrderedStore method takes.
package storage

import "errors"

// ErrNotFound is returned by OrderedStore.Get for a missing key.
var ErrNotFound = errors.New("storage: not found")

// Timestamp is an opaque, monotonically comparable commit/read timestamp,
// the same role ethdb's "set the commit timestamp" capability plays.
type Timestamp uint64

// ReadSource selects which snapshot a RecoveryUnit reads from.
type ReadSource int

const (
	ReadLatest ReadSource = iota
	ReadAtTimestamp
	ReadNoOverlap
)

// IdentKind distinguishes a record-store ident from a sorted-data ident,
// since the storage engine allocates both uniformly but they are opened
// through different higher-level contracts (recordstore vs sdi).
type IdentKind int

const (
	RecordStoreIdent IdentKind = iota
	SortedDataIdent
)

// IdentOptions configures a newly allocated ident.
type IdentOptions struct {
	DupSort bool // duplicate keys allowed per user-visible prefix (lmdb.DupSort equivalent)
}

// OrderedCursor walks an OrderedStore in key order. Save/Restore follow
// SDI's saveable-cursor contract (spec §4.2): a cursor positioned on a key
// that was deleted while saved restores to the next key in scan order.
type OrderedCursor interface {
	Seek(key []byte) (k, v []byte, err error)
	SeekExact(key []byte) (v []byte, err error)
	Next() (k, v []byte, err error)
	Prev() (k, v []byte, err error)
	Current() (k, v []byte, err error)
	Save() error
	Restore() error
	Close()
}

// OrderedStore is one open ident: an ordered byte-string map, mirroring
// ethdb.Cursor's Put/Delete/Seek/Next contract.
type OrderedStore interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) (value []byte, err error)
	NewCursor() (OrderedCursor, error)
	NumEntries() (int64, error)
	SpaceUsedBytes() (int64, error)
}

// RecoveryUnit is the storage-engine transaction boundary: snapshot
// isolation with a single commit/abort.
type RecoveryUnit interface {
	SetCommitTimestamp(ts Timestamp)
	SetReadSource(src ReadSource, ts Timestamp)
	Commit() error
	Abort() error
}

// Engine is the storage-engine interface consumed by the rest of the core
// (spec §6).
type Engine interface {
	NewIdent(kind IdentKind, name string, opts IdentOptions) (ident string, err error)
	OpenIdent(ident string) (OrderedStore, error)
	DropIdent(ident string) error
	NewRecoveryUnit() RecoveryUnit
	SupportsTwoPhaseBuilds() bool
}
