// Package validator is the offline consistency checker (spec §4.7): it
// walks the record store and each index twice, using a bounded-memory
// two-phase hash reconciliation to name exactly which keys the index is
// missing and which it holds that no document expects.
package validator

import (
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/RoaringBitmap/roaring"
	"github.com/c2h5oh/datasize"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/recordstore"
	"github.com/ledgerwatch/collidx/sdi"
)

// Target is one index the validator reconciles against the record
// store in the same pass.
type Target struct {
	Name  string
	Desc  *idxspec.Descriptor
	Store sdi.Interface
}

// Discrepancy names one concrete (recordId, indexKey) mismatch (spec's
// soundness property: every reported entry must name a specific one).
type Discrepancy struct {
	IndexName string
	RecordID  document.RecordId
	KeyValues []document.Value
}

// Report is the outcome of one validation run.
type Report struct {
	Missing []Discrepancy // documents expected these keys, the index lacked them
	Extra   []Discrepancy // the index held these keys, no document expected them
	Partial bool          // memory bound forced some mismatched buckets to be skipped
}

type bucket struct {
	count int64
	bytes int64
}

// Validator reconciles a record store against a set of indexes using B
// hash buckets per index and a byte budget for the precise-reconstruction
// phase.
type Validator struct {
	NumBuckets int // must be a power of two
	MemLimit   datasize.ByteSize
	// Decode turns a raw record-store value back into a Document; the
	// record store itself only deals in opaque bytes.
	Decode func([]byte) (document.Document, error)
}

func New(numBuckets int, memLimit datasize.ByteSize, decode func([]byte) (document.Document, error)) *Validator {
	return &Validator{NumBuckets: numBuckets, MemLimit: memLimit, Decode: decode}
}

func (v *Validator) bucketIndex(physKey []byte) int {
	h := fnv.New64a()
	_, _ = h.Write(physKey)
	return int(h.Sum64() & uint64(v.NumBuckets-1))
}

// physicalKeys recomputes the physical SDI entries a document would
// produce against target, mirroring the exact key shape am.keyencAM
// stores (ordered bytes optionally suffixed by the recordID).
func physicalKeys(doc document.Document, target Target, recordID document.RecordId) ([][]byte, []keyenc.Key, error) {
	res, err := keyenc.GetKeys(doc, target.Desc, recordID, keyenc.Adding, keyenc.RelaxedUnfiltered, nil)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]byte, len(res.Keys))
	for i, k := range res.Keys {
		if target.Desc.Unique {
			out[i] = k.Ordered
		} else {
			buf := make([]byte, 0, len(k.Ordered)+len(recordID.Encode()))
			buf = append(buf, k.Ordered...)
			buf = append(buf, recordID.Encode()...)
			out[i] = buf
		}
	}
	return out, res.Keys, nil
}

// Validate runs the full two-phase reconciliation against every target
// using one pass over records.
func (v *Validator) Validate(records recordstore.Store, targets []Target) (map[string]*Report, error) {
	buckets := make([][]bucket, len(targets))
	for i := range targets {
		buckets[i] = make([]bucket, v.NumBuckets)
	}

	if err := v.phase1Records(records, targets, buckets); err != nil {
		return nil, err
	}
	if err := v.phase1Index(targets, buckets); err != nil {
		return nil, err
	}

	mismatched := make([]*roaring.Bitmap, len(targets))
	partial := make([]bool, len(targets))
	for i := range targets {
		var err error
		mismatched[i], partial[i], err = v.selectMismatchedBuckets(buckets[i])
		if err != nil {
			return nil, err
		}
	}

	missing := make([]map[string]Discrepancy, len(targets))
	extra := make([]map[string]Discrepancy, len(targets))
	for i := range targets {
		missing[i] = map[string]Discrepancy{}
		extra[i] = map[string]Discrepancy{}
	}

	if err := v.phase2Records(records, targets, mismatched, missing); err != nil {
		return nil, err
	}
	if err := v.phase2Index(targets, mismatched, missing, extra); err != nil {
		return nil, err
	}

	out := make(map[string]*Report, len(targets))
	for i, t := range targets {
		r := &Report{Partial: partial[i]}
		for _, d := range missing[i] {
			r.Missing = append(r.Missing, d)
		}
		for _, d := range extra[i] {
			r.Extra = append(r.Extra, d)
		}
		out[t.Name] = r
	}
	return out, nil
}

func (v *Validator) phase1Records(records recordstore.Store, targets []Target, buckets [][]bucket) error {
	c, err := records.GetCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	for {
		rec, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		doc, err := v.Decode(rec.Bytes)
		if err != nil {
			return err
		}
		for ti, t := range targets {
			phys, _, err := physicalKeys(doc, t, rec.ID)
			if err != nil {
				return err
			}
			for _, pk := range phys {
				b := &buckets[ti][v.bucketIndex(pk)]
				b.count++
				b.bytes += int64(len(pk))
			}
		}
	}
	return nil
}

// phase1Index decrements each target's buckets concurrently; each
// target's bucket slice is private to its own goroutine, so this is the
// same embarrassingly-parallel verify shape restic's master_index.go
// uses to check multiple index packs at once.
func (v *Validator) phase1Index(targets []Target, buckets [][]bucket) error {
	var g errgroup.Group
	for ti := range targets {
		ti := ti
		g.Go(func() error {
			return v.scanIndex(targets[ti], func(physKey []byte) error {
				b := &buckets[ti][v.bucketIndex(physKey)]
				b.count--
				b.bytes += int64(len(physKey))
				return nil
			})
		})
	}
	return g.Wait()
}

func (v *Validator) scanIndex(t Target, fn func(physKey []byte) error) error {
	c, err := t.Store.NewCursor(sdi.Forward)
	if err != nil {
		return err
	}
	defer c.Close()
	ok, err := c.Advance()
	for ; ok; ok, err = c.Advance() {
		if err != nil {
			return err
		}
		k, _, err := c.Current()
		if err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return err
}

// selectMismatchedBuckets applies the memory bound: buckets with a
// non-zero count are mismatched; if their combined size exceeds
// MemLimit, the largest are dropped out of the returned set until the
// rest fit, and Partial is reported. A single oversized bucket makes
// reconciliation impossible and is an error, not a partial result. The
// surviving set is a roaring.Bitmap of bucket indices rather than a
// []bool, the same compact-membership-set idiom ethdb/bitmapdb uses for
// per-key index sets, sized for NumBuckets in the thousands instead of a
// bool per bucket.
func (v *Validator) selectMismatchedBuckets(buckets []bucket) (*roaring.Bitmap, bool, error) {
	keep := roaring.New()
	var total int64
	var idxs []int
	for i, b := range buckets {
		if b.count != 0 {
			keep.Add(uint32(i))
			total += b.bytes
			idxs = append(idxs, i)
		}
	}
	if total <= int64(v.MemLimit) {
		return keep, false, nil
	}
	for _, i := range idxs {
		if buckets[i].bytes > int64(v.MemLimit) {
			return nil, false, collidxerr.New(collidxerr.DataCorruptionDetected, "a single mismatched bucket exceeds the validator's memory bound")
		}
	}
	// Drop the largest buckets first until the remainder fits.
	sortDesc := append([]int(nil), idxs...)
	for i := 0; i < len(sortDesc); i++ {
		for j := i + 1; j < len(sortDesc); j++ {
			if buckets[sortDesc[j]].bytes > buckets[sortDesc[i]].bytes {
				sortDesc[i], sortDesc[j] = sortDesc[j], sortDesc[i]
			}
		}
	}
	partial := false
	for _, i := range sortDesc {
		if total <= int64(v.MemLimit) {
			break
		}
		keep.Remove(uint32(i))
		total -= buckets[i].bytes
		partial = true
	}
	return keep, partial, nil
}

func (v *Validator) phase2Records(records recordstore.Store, targets []Target, mismatched []*roaring.Bitmap, missing []map[string]Discrepancy) error {
	c, err := records.GetCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	for {
		rec, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		doc, err := v.Decode(rec.Bytes)
		if err != nil {
			return err
		}
		for ti, t := range targets {
			phys, keys, err := physicalKeys(doc, t, rec.ID)
			if err != nil {
				return err
			}
			for i, pk := range phys {
				idx := uint32(v.bucketIndex(pk))
				if !mismatched[ti].Contains(idx) {
					continue
				}
				vals, _ := keyenc.DecodeTypeBits(keys[i].TypeBits, len(t.Desc.KeyPattern))
				missing[ti][string(pk)] = Discrepancy{IndexName: t.Name, RecordID: rec.ID, KeyValues: vals}
			}
		}
	}
	return nil
}

func (v *Validator) phase2Index(targets []Target, mismatched []*roaring.Bitmap, missing []map[string]Discrepancy, extra []map[string]Discrepancy) error {
	var g errgroup.Group
	for ti := range targets {
		ti := ti
		g.Go(func() error {
			t := targets[ti]
			return v.scanIndex(t, func(physKey []byte) error {
				idx := uint32(v.bucketIndex(physKey))
				if !mismatched[ti].Contains(idx) {
					return nil
				}
				key := string(physKey)
				if _, ok := missing[ti][key]; ok {
					delete(missing[ti], key)
					return nil
				}
				extra[ti][key] = Discrepancy{IndexName: t.Name}
				return nil
			})
		})
	}
	return g.Wait()
}
