// Package memengine is a pure in-memory storage.Engine backed by
// github.com/petar/GoLLRB, the ordered in-memory tree the teacher repo
// depends on (go.mod) for exactly this role: an ordered map with
// predictable iteration order and no on-disk footprint, used here as the
// default engine for tests and for the single-phase/standalone build path
// when no on-disk engine is configured.
package memengine

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/petar/GoLLRB/llrb"

	"github.com/ledgerwatch/collidx/storage"
)

type item struct {
	key, value []byte
}

func (a *item) Less(than llrb.Item) bool {
	return bytes.Compare(a.key, than.(*item).key) < 0
}

// Engine implements storage.Engine entirely in memory.
type Engine struct {
	mu     sync.Mutex
	idents map[string]*Store
	seq    int
}

func New() *Engine {
	return &Engine{idents: map[string]*Store{}}
}

func (e *Engine) NewIdent(kind storage.IdentKind, name string, opts storage.IdentOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ident := fmt.Sprintf("%s-%d", name, e.seq)
	e.idents[ident] = newStore(opts)
	return ident, nil
}

func (e *Engine) OpenIdent(ident string) (storage.OrderedStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.idents[ident]
	if !ok {
		return nil, fmt.Errorf("memengine: ident %q not found", ident)
	}
	return s, nil
}

func (e *Engine) DropIdent(ident string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.idents, ident)
	return nil
}

func (e *Engine) NewRecoveryUnit() storage.RecoveryUnit { return &recoveryUnit{} }

func (e *Engine) SupportsTwoPhaseBuilds() bool { return false }

type recoveryUnit struct {
	ts  storage.Timestamp
	src storage.ReadSource
}

func (r *recoveryUnit) SetCommitTimestamp(ts storage.Timestamp)         { r.ts = ts }
func (r *recoveryUnit) SetReadSource(src storage.ReadSource, ts storage.Timestamp) { r.src, r.ts = src, ts }
func (r *recoveryUnit) Commit() error                                  { return nil }
func (r *recoveryUnit) Abort() error                                   { return nil }

// Store is one in-memory ordered ident.
type Store struct {
	mu      sync.RWMutex
	tree    *llrb.LLRB
	dupSort bool
}

func newStore(opts storage.IdentOptions) *Store {
	return &Store{tree: llrb.New(), dupSort: opts.DupSort}
}

func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc := append([]byte(nil), key...)
	vc := append([]byte(nil), value...)
	s.tree.ReplaceOrInsert(&item{key: kc, value: vc})
	return nil
}

func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(&item{key: key})
	return nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.tree.Get(&item{key: key})
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found.(*item).value, nil
}

func (s *Store) NumEntries() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.tree.Len()), nil
}

func (s *Store) SpaceUsedBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	s.tree.AscendGreaterOrEqual(&item{key: nil}, func(i llrb.Item) bool {
		it := i.(*item)
		total += int64(len(it.key) + len(it.value))
		return true
	})
	return total, nil
}

func (s *Store) NewCursor() (storage.OrderedCursor, error) {
	return &cursor{store: s}, nil
}

// cursor snapshots the store's key order lazily and walks it by index;
// Save/Restore re-locate the positioned key the way SDI's saveable
// cursors must (spec §4.2).
type cursor struct {
	store    *Store
	keys     [][]byte
	idx      int
	savedKey []byte
	loaded   bool
}

func (c *cursor) load() {
	if c.loaded {
		return
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	c.keys = c.keys[:0]
	c.store.tree.AscendGreaterOrEqual(&item{key: nil}, func(i llrb.Item) bool {
		c.keys = append(c.keys, i.(*item).key)
		return true
	})
	c.loaded = true
}

func (c *cursor) valueAt(i int) ([]byte, error) {
	v, err := c.store.Get(c.keys[i])
	return v, err
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	c.load()
	i := lowerBound(c.keys, key)
	if i >= len(c.keys) {
		c.idx = len(c.keys)
		return nil, nil, nil
	}
	c.idx = i
	v, err := c.valueAt(i)
	return c.keys[i], v, err
}

func (c *cursor) SeekExact(key []byte) ([]byte, error) {
	c.load()
	i := lowerBound(c.keys, key)
	if i >= len(c.keys) || !bytes.Equal(c.keys[i], key) {
		return nil, nil
	}
	c.idx = i
	return c.valueAt(i)
}

func (c *cursor) Next() ([]byte, []byte, error) {
	c.load()
	c.idx++
	if c.idx >= len(c.keys) {
		return nil, nil, nil
	}
	v, err := c.valueAt(c.idx)
	return c.keys[c.idx], v, err
}

func (c *cursor) Prev() ([]byte, []byte, error) {
	c.load()
	c.idx--
	if c.idx < 0 || c.idx >= len(c.keys) {
		return nil, nil, nil
	}
	v, err := c.valueAt(c.idx)
	return c.keys[c.idx], v, err
}

func (c *cursor) Current() ([]byte, []byte, error) {
	c.load()
	if c.idx < 0 || c.idx >= len(c.keys) {
		return nil, nil, nil
	}
	v, err := c.valueAt(c.idx)
	return c.keys[c.idx], v, err
}

func (c *cursor) Save() error {
	c.load()
	if c.idx >= 0 && c.idx < len(c.keys) {
		c.savedKey = append([]byte(nil), c.keys[c.idx]...)
	} else {
		c.savedKey = nil
	}
	return nil
}

// Restore re-establishes position using the positioned key; if it was
// deleted, it restores to the next key in scan order (spec §4.2).
func (c *cursor) Restore() error {
	c.loaded = false
	c.load()
	if c.savedKey == nil {
		c.idx = -1
		return nil
	}
	c.idx = lowerBound(c.keys, c.savedKey)
	return nil
}

func (c *cursor) Close() {}

func lowerBound(keys [][]byte, key []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
