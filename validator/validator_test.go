package validator

import (
	"encoding/binary"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/recordstore"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/memengine"
)

func decodeInt(b []byte) (document.Document, error) {
	v := int64(binary.BigEndian.Uint64(b))
	d := document.New()
	d.Root.Set("a", document.Value{Type: document.TypeInt, Int64: v})
	return d, nil
}

func encodeInt(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func setupConsistent(t *testing.T) (recordstore.Store, Target) {
	t.Helper()
	e := memengine.New()
	recIdent, err := e.NewIdent(storage.RecordStoreIdent, "recs", storage.IdentOptions{})
	require.NoError(t, err)
	recBacking, err := e.OpenIdent(recIdent)
	require.NoError(t, err)
	records := recordstore.Wrap(recBacking)

	idxIdent, err := e.NewIdent(storage.SortedDataIdent, "idx", storage.IdentOptions{})
	require.NoError(t, err)
	idxBacking, err := e.OpenIdent(idxIdent)
	require.NoError(t, err)
	desc := &idxspec.Descriptor{Name: "by_a", Kind: idxspec.Ordered, Unique: true, KeyPattern: idxspec.NewKeyPattern("a", idxspec.Ascending)}
	store := sdi.Wrap(idxBacking, false)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, records.Insert(document.LongRecordId(i), encodeInt(i*10)))
		doc, err := decodeInt(encodeInt(i * 10))
		require.NoError(t, err)
		res, err := keyenc.GetKeys(doc, desc, document.LongRecordId(i), keyenc.Adding, keyenc.Strict, nil)
		require.NoError(t, err)
		require.Len(t, res.Keys, 1)
		require.NoError(t, store.Insert(res.Keys[0], document.LongRecordId(i).Encode(), false))
	}

	return records, Target{Name: "by_a", Desc: desc, Store: store}
}

func TestValidateReportsNoDiscrepanciesWhenConsistent(t *testing.T) {
	records, target := setupConsistent(t)
	v := New(4, 1*datasize.MB, decodeInt)

	reports, err := v.Validate(records, []Target{target})
	require.NoError(t, err)
	r := reports["by_a"]
	assert.Empty(t, r.Missing)
	assert.Empty(t, r.Extra)
	assert.False(t, r.Partial)
}

func TestValidateReportsExtraIndexKeyWithNoMatchingDocument(t *testing.T) {
	records, target := setupConsistent(t)

	doc, err := decodeInt(encodeInt(999))
	require.NoError(t, err)
	res, err := keyenc.GetKeys(doc, target.Desc, document.LongRecordId(999), keyenc.Adding, keyenc.Strict, nil)
	require.NoError(t, err)
	require.NoError(t, target.Store.Insert(res.Keys[0], document.LongRecordId(999).Encode(), false))

	v := New(4, 1*datasize.MB, decodeInt)
	reports, err := v.Validate(records, []Target{target})
	require.NoError(t, err)
	r := reports["by_a"]
	assert.Empty(t, r.Missing)
	require.Len(t, r.Extra, 1)
}

func TestValidateReportsMissingIndexKeyForExistingDocument(t *testing.T) {
	records, target := setupConsistent(t)

	doc, err := decodeInt(encodeInt(10))
	require.NoError(t, err)
	res, err := keyenc.GetKeys(doc, target.Desc, document.LongRecordId(1), keyenc.Adding, keyenc.Strict, nil)
	require.NoError(t, err)
	require.NoError(t, target.Store.Unindex(res.Keys[0], document.LongRecordId(1).Encode(), false))

	v := New(4, 1*datasize.MB, decodeInt)
	reports, err := v.Validate(records, []Target{target})
	require.NoError(t, err)
	r := reports["by_a"]
	require.Len(t, r.Missing, 1)
	assert.Equal(t, "by_a", r.Missing[0].IndexName)
	assert.Empty(t, r.Extra)
}

func TestSelectMismatchedBucketsMarksPartialWhenOverBudget(t *testing.T) {
	v := New(4, 15, nil)
	buckets := []bucket{
		{count: 1, bytes: 10},
		{count: 1, bytes: 12},
		{count: 0, bytes: 0},
		{count: 0, bytes: 0},
	}
	keep, partial, err := v.selectMismatchedBuckets(buckets)
	require.NoError(t, err)
	assert.True(t, partial)
	assert.Equal(t, uint64(1), keep.GetCardinality())
	assert.True(t, keep.Contains(0), "the smaller bucket should survive the drop-largest-first pass")
}

func TestSelectMismatchedBucketsErrorsOnSingleOversizedBucket(t *testing.T) {
	v := New(4, 5, nil)
	buckets := []bucket{{count: 1, bytes: 100}}
	_, _, err := v.selectMismatchedBuckets(buckets)
	assert.Error(t, err)
}
