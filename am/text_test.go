package am

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/memengine"
)

func newTextAM(t *testing.T) AccessMethod {
	t.Helper()
	e := memengine.New()
	ident, err := e.NewIdent(storage.SortedDataIdent, "text", storage.IdentOptions{DupSort: true})
	require.NoError(t, err)
	store, err := e.OpenIdent(ident)
	require.NoError(t, err)
	desc := &idxspec.Descriptor{Name: "by_body", Kind: idxspec.Text, KeyPattern: idxspec.NewKeyPattern("body", idxspec.Ascending)}
	return New(desc, sdi.Wrap(store, true))
}

func TestTokenizeLowercasesAndDedupes(t *testing.T) {
	got := tokenize("The Quick Fox jumps, the quick FOX jumps!")
	assert.Equal(t, []string{"the", "quick", "fox", "jumps"}, got)
}

func TestTextAMInsertEmitsOneKeyPerDistinctTerm(t *testing.T) {
	a := newTextAM(t)
	d := document.New()
	d.Root.Set("body", document.Value{Type: document.TypeString, Str: "go go gopher"})

	n, err := a.Insert(d, document.LongRecordId(1))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "distinct terms: go, gopher")
	assert.True(t, a.MultikeyPaths().IsMultikey())
}

func TestTextAMInsertIgnoresNonStringFields(t *testing.T) {
	a := newTextAM(t)
	d := document.New()
	d.Root.Set("body", document.Value{Type: document.TypeInt, Int64: 5})

	n, err := a.Insert(d, document.LongRecordId(1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTextAMRemoveClearsAllTermsForRecord(t *testing.T) {
	a := newTextAM(t)
	d := document.New()
	d.Root.Set("body", document.Value{Type: document.TypeString, Str: "alpha beta"})
	id := document.LongRecordId(1)

	_, err := a.Insert(d, id)
	require.NoError(t, err)
	require.NoError(t, a.Remove(d, id))

	ka := a.(*textAM)
	n, err := ka.store.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestTextAMBulkBuilderCommit(t *testing.T) {
	a := newTextAM(t)
	bb := a.InitiateBulk()
	d := document.New()
	d.Root.Set("body", document.Value{Type: document.TypeString, Str: "alpha beta gamma"})
	require.NoError(t, bb.Add(d, document.LongRecordId(1)))

	mkp, err := bb.Commit()
	require.NoError(t, err)
	assert.True(t, mkp.IsMultikey())

	ka := a.(*textAM)
	n, err := ka.store.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
