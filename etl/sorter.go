// Package etl is the shared bulk-builder / external sorter (spec §4.6):
// collect keys in memory up to a size budget, spill sorted runs to
// temp files once the budget is exceeded, then k-way merge the runs (or
// the single in-memory run, if nothing spilled) into one ascending
// stream for the access method's bulk loader. Progress is logged on a
// ticker the same way eth/stagedsync's promoteLogIndex reports bucket
// size and memory stats while it runs.
package etl

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/common"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/log"
)

// Entry is one key/recordID pair flowing through the sorter.
type Entry struct {
	Key           keyenc.Key
	RecordIDBytes []byte
}

func (e Entry) size() int64 {
	return int64(len(e.Key.Ordered) + len(e.Key.TypeBits) + len(e.RecordIDBytes))
}

// Sorter accumulates Entry values and replays them to a loader in
// ascending key order once Load is called.
type Sorter struct {
	memLimit datasize.ByteSize
	tmpDir   string
	quit     <-chan struct{}

	buf     []Entry
	bufSize int64
	runs    []string
}

// NewSorter builds a Sorter that spills to tmpDir once its in-memory
// buffer exceeds memLimit. quit is checked between entries the way
// common.Stopped gates every long-running loop in the teacher's
// stagedsync stages.
func NewSorter(memLimit datasize.ByteSize, tmpDir string, quit <-chan struct{}) *Sorter {
	return &Sorter{memLimit: memLimit, tmpDir: tmpDir, quit: quit}
}

// Add appends e to the current in-memory run, spilling to disk first if
// the budget would be exceeded.
func (s *Sorter) Add(e Entry) error {
	if err := common.Stopped(s.quit); err != nil {
		return err
	}
	if s.bufSize+e.size() > int64(s.memLimit) && len(s.buf) > 0 {
		if err := s.spill(); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, e)
	s.bufSize += e.size()
	return nil
}

func (s *Sorter) spill() error {
	sort.Slice(s.buf, func(i, j int) bool {
		return keyenc.CompareWithTypeBits(s.buf[i].Key, s.buf[j].Key) < 0
	})
	f, err := os.CreateTemp(s.tmpDir, "collidx-etl-run-*")
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, e := range s.buf {
		if err := writeEntry(w, e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.runs = append(s.runs, f.Name())
	s.buf = s.buf[:0]
	s.bufSize = 0
	return nil
}

// Load replays every Add-ed entry, in ascending order, into loadFn, then
// removes any spilled run files. It panics-free asserts the same
// non-decreasing invariant the bulk builder itself enforces
// (keyenc.CompareWithTypeBits), returning collidxerr.DataCorruptionDetected
// if the merge ever produces a regression — a bug in the sorter, never a
// caller mistake, so it always indicates corruption rather than misuse.
func (s *Sorter) Load(loadFn func(Entry) error) (err error) {
	defer func() {
		for _, p := range s.runs {
			os.Remove(p)
		}
		s.runs = nil
	}()

	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	var prev *Entry
	var count int64
	emit := func(e Entry) error {
		if prev != nil && keyenc.CompareWithTypeBits(prev.Key, e.Key) > 0 {
			return collidxerr.New(collidxerr.DataCorruptionDetected, "etl merge produced an out-of-order key")
		}
		cp := e
		prev = &cp
		count++
		select {
		case <-logEvery.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			log.Info("etl merge progress", "entries", count, "alloc", common.StorageSize(m.Alloc))
		default:
		}
		return loadFn(e)
	}

	if len(s.runs) == 0 {
		sort.Slice(s.buf, func(i, j int) bool {
			return keyenc.CompareWithTypeBits(s.buf[i].Key, s.buf[j].Key) < 0
		})
		for _, e := range s.buf {
			if err := common.Stopped(s.quit); err != nil {
				return err
			}
			if err := emit(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(s.buf) > 0 {
		if err := s.spill(); err != nil {
			return err
		}
	}
	return s.mergeRuns(emit)
}

// mergeRuns performs a k-way merge over the spilled run files using a
// min-heap keyed by CompareWithTypeBits, the same external-sort shape
// used by large batch loaders across the pack.
func (s *Sorter) mergeRuns(emit func(Entry) error) error {
	readers := make([]*runReader, 0, len(s.runs))
	defer func() {
		for _, r := range readers {
			r.f.Close()
		}
	}()
	for _, path := range s.runs {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r := &runReader{f: f, r: bufio.NewReader(f)}
		if err := r.advance(); err != nil && err != io.EOF {
			return err
		}
		readers = append(readers, r)
	}

	h := &runHeap{}
	for _, r := range readers {
		if r.hasCurrent {
			heap.Push(h, r)
		}
	}
	heap.Init(h)

	for h.Len() > 0 {
		if err := common.Stopped(s.quit); err != nil {
			return err
		}
		top := heap.Pop(h).(*runReader)
		if err := emit(top.current); err != nil {
			return err
		}
		if err := top.advance(); err != nil && err != io.EOF {
			return err
		}
		if top.hasCurrent {
			heap.Push(h, top)
		}
	}
	return nil
}

type runReader struct {
	f          *os.File
	r          *bufio.Reader
	current    Entry
	hasCurrent bool
}

func (r *runReader) advance() error {
	e, err := readEntry(r.r)
	if err != nil {
		r.hasCurrent = false
		return err
	}
	r.current = e
	r.hasCurrent = true
	return nil
}

type runHeap []*runReader

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	return keyenc.CompareWithTypeBits(h[i].current.Key, h[j].current.Key) < 0
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(*runReader)) }
func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func writeEntry(w *bufio.Writer, e Entry) error {
	if err := writeChunk(w, e.Key.Ordered); err != nil {
		return err
	}
	if err := writeChunk(w, e.Key.TypeBits); err != nil {
		return err
	}
	return writeChunk(w, e.RecordIDBytes)
}

func writeChunk(w *bufio.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readEntry(r *bufio.Reader) (Entry, error) {
	ordered, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	typeBits, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	recID, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: keyenc.Key{Ordered: ordered, TypeBits: typeBits}, RecordIDBytes: recID}, nil
}

func readChunk(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
