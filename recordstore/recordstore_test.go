package recordstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/memengine"
)

func newStore(t *testing.T) Store {
	t.Helper()
	e := memengine.New()
	ident, err := e.NewIdent(storage.RecordStoreIdent, "r", storage.IdentOptions{})
	require.NoError(t, err)
	backing, err := e.OpenIdent(ident)
	require.NoError(t, err)
	return Wrap(backing)
}

func TestInsertAndFindRecord(t *testing.T) {
	s := newStore(t)
	id := document.LongRecordId(1)
	require.NoError(t, s.Insert(id, []byte("doc1")))

	v, found, err := s.FindRecord(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("doc1"), v)
}

func TestFindRecordMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, found, err := s.FindRecord(document.LongRecordId(99))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateOverwritesExistingRecord(t *testing.T) {
	s := newStore(t)
	id := document.LongRecordId(1)
	require.NoError(t, s.Insert(id, []byte("v1")))
	require.NoError(t, s.Update(id, []byte("v2")))

	v, found, err := s.FindRecord(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v2"), v)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newStore(t)
	id := document.LongRecordId(1)
	require.NoError(t, s.Insert(id, []byte("v1")))
	require.NoError(t, s.Delete(id))

	_, found, err := s.FindRecord(id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCursorYieldsEveryRecordIncludingTheFirst(t *testing.T) {
	s := newStore(t)
	ids := []document.RecordId{document.LongRecordId(3), document.LongRecordId(1), document.LongRecordId(2)}
	for _, id := range ids {
		require.NoError(t, s.Insert(id, []byte(id.String())))
	}

	c, err := s.GetCursor()
	require.NoError(t, err)
	defer c.Close()

	var seen []document.RecordId
	for {
		rec, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, rec.ID)
	}
	require.Len(t, seen, 3, "the first record must not be skipped")
	assert.Equal(t, document.LongRecordId(1), seen[0])
	assert.Equal(t, document.LongRecordId(2), seen[1])
	assert.Equal(t, document.LongRecordId(3), seen[2])
}

func TestIsEmptyReflectsContents(t *testing.T) {
	s := newStore(t)
	empty, err := s.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, s.Insert(document.LongRecordId(1), []byte("v")))
	empty, err = s.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestTruncateRemovesAllRecords(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Insert(document.LongRecordId(1), []byte("a")))
	require.NoError(t, s.Insert(document.LongRecordId(2), []byte("b")))

	require.NoError(t, s.Truncate())

	n, err := s.NumRecords()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestValidateReportsNothingForOrderedKeys(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Insert(document.LongRecordId(1), []byte("a")))
	require.NoError(t, s.Insert(document.LongRecordId(2), []byte("b")))

	problems, err := s.Validate()
	require.NoError(t, err)
	assert.Empty(t, problems)
}
