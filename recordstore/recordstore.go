// Package recordstore is the record-store side of the storage-engine
// interface (spec §6): the component that owns a collection's documents
// keyed by RecordId, independent of any secondary index. Access methods
// read from it during a bulk scan; the Index-Build Coordinator drives it
// through interceptor side-table diversion while a build is in flight.
package recordstore

import (
	"bytes"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/storage"
)

// Record is one stored row: its identity plus the serialized document
// bytes the caller is responsible for decoding.
type Record struct {
	ID    document.RecordId
	Bytes []byte
}

// Store is the record-store contract (spec §6).
type Store interface {
	Insert(id document.RecordId, data []byte) error
	Update(id document.RecordId, data []byte) error
	Delete(id document.RecordId) error
	FindRecord(id document.RecordId) ([]byte, bool, error)
	SeekExact(id document.RecordId) ([]byte, bool, error)
	GetCursor() (Cursor, error)
	NumRecords() (int64, error)
	DataSize() (int64, error)
	IsEmpty() (bool, error)
	Truncate() error
	Compact() error
	Validate() ([]string, error)
}

// Cursor walks records in RecordId order.
type Cursor interface {
	Next() (Record, bool, error)
	Close()
}

type store struct {
	backing storage.OrderedStore
}

// Wrap adapts a storage.OrderedStore into a record Store, keyed by the
// RecordId's own ordering byte encoding (document.RecordId.Encode).
func Wrap(backing storage.OrderedStore) Store {
	return &store{backing: backing}
}

func (s *store) Insert(id document.RecordId, data []byte) error {
	return s.backing.Put(id.Encode(), data)
}

func (s *store) Update(id document.RecordId, data []byte) error {
	return s.backing.Put(id.Encode(), data)
}

func (s *store) Delete(id document.RecordId) error {
	return s.backing.Delete(id.Encode())
}

func (s *store) FindRecord(id document.RecordId) ([]byte, bool, error) {
	return s.SeekExact(id)
}

func (s *store) SeekExact(id document.RecordId) ([]byte, bool, error) {
	v, err := s.backing.Get(id.Encode())
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *store) GetCursor() (Cursor, error) {
	c, err := s.backing.NewCursor()
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

func (s *store) NumRecords() (int64, error)  { return s.backing.NumEntries() }
func (s *store) DataSize() (int64, error)    { return s.backing.SpaceUsedBytes() }

func (s *store) IsEmpty() (bool, error) {
	n, err := s.backing.NumEntries()
	return n == 0, err
}

func (s *store) Truncate() error {
	c, err := s.backing.NewCursor()
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
		if err := s.backing.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) Compact() error { return nil }

func (s *store) Validate() ([]string, error) {
	var problems []string
	c, err := s.backing.NewCursor()
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
			problems = append(problems, "record ids out of order")
		}
		prev = append([]byte(nil), k...)
	}
	return problems, err
}

type cursor struct {
	c       storage.OrderedCursor
	started bool
}

func (cur *cursor) Next() (Record, bool, error) {
	var k, v []byte
	var err error
	if !cur.started {
		cur.started = true
		k, v, err = cur.c.Seek(nil)
	} else {
		k, v, err = cur.c.Next()
	}
	if err != nil || k == nil {
		return Record{}, false, err
	}
	id, err := decodeRecordId(k)
	if err != nil {
		return Record{}, false, err
	}
	return Record{ID: id, Bytes: v}, true, nil
}

func (cur *cursor) Close() { cur.c.Close() }

// decodeRecordId inverts document.RecordId.Encode for the Long format,
// the only format the record store's own physical key space uses today;
// String-format record ids are opaque and returned verbatim.
func decodeRecordId(k []byte) (document.RecordId, error) {
	if len(k) == 8 {
		var u uint64
		for _, b := range k {
			u = u<<8 | uint64(b)
		}
		u ^= 1 << 63
		return document.LongRecordId(int64(u)), nil
	}
	return document.StringRecordId(k), nil
}
