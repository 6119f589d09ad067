package memengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/storage"
)

func openStore(t *testing.T) storage.OrderedStore {
	t.Helper()
	e := New()
	ident, err := e.NewIdent(storage.SortedDataIdent, "t", storage.IdentOptions{})
	require.NoError(t, err)
	s, err := e.OpenIdent(ident)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put([]byte("k1"), []byte("v1")))
	v, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get([]byte("nope"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCursorWalksInKeyOrder(t *testing.T) {
	s := openStore(t)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	c, err := s.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	var got []string
	k, _, err := c.Seek(nil)
	require.NoError(t, err)
	for k != nil {
		got = append(got, string(k))
		k, _, err = c.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCursorSaveRestoreSurvivesDeletion(t *testing.T) {
	s := openStore(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	c, err := s.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Seek([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, c.Save())

	require.NoError(t, s.Delete([]byte("b")))
	require.NoError(t, c.Restore())

	k, _, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), k, "restoring onto a deleted key lands on the next key in scan order")
}

func TestDropIdentRemovesData(t *testing.T) {
	e := New()
	ident, err := e.NewIdent(storage.SortedDataIdent, "t", storage.IdentOptions{})
	require.NoError(t, err)
	s, err := e.OpenIdent(ident)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("a"), []byte("a")))

	require.NoError(t, e.DropIdent(ident))
	_, err = e.OpenIdent(ident)
	assert.Error(t, err)
}
