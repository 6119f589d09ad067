package lmdbengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/storage"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func openTestStore(t *testing.T, e *Engine, opts storage.IdentOptions) storage.OrderedStore {
	t.Helper()
	ident, err := e.NewIdent(storage.SortedDataIdent, "t", opts)
	require.NoError(t, err)
	s, err := e.OpenIdent(ident)
	require.NoError(t, err)
	return s
}

func TestLmdbEnginePutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e, storage.IdentOptions{})

	require.NoError(t, s.Put([]byte("k1"), []byte("v1")))
	v, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestLmdbEngineGetMissingKeyReturnsErrNotFound(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e, storage.IdentOptions{})

	_, err := s.Get([]byte("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLmdbEngineCursorWalksInKeyOrder(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e, storage.IdentOptions{})
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

func TestLmdbEngineDeletedKeyIsGone(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e, storage.IdentOptions{})
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Delete([]byte("k")))

	_, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLmdbEngineNumEntries(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e, storage.IdentOptions{})
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	n, err := s.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestLmdbEngineDupSortIdentAcceptsSameKeyMultipleValues(t *testing.T) {
	e := openTestEngine(t)
	ident, err := e.NewIdent(storage.SortedDataIdent, "dup", storage.IdentOptions{DupSort: true})
	require.NoError(t, err)
	s, err := e.OpenIdent(ident)
	require.NoError(t, err)

	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("k"), []byte("v2")))

	n, err := s.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestLmdbEngineDropIdentRemovesDBI(t *testing.T) {
	e := openTestEngine(t)
	ident, err := e.NewIdent(storage.SortedDataIdent, "drop-me", storage.IdentOptions{})
	require.NoError(t, err)

	require.NoError(t, e.DropIdent(ident))

	_, err = e.OpenIdent(ident)
	assert.Error(t, err, "opening a dropped ident must fail, not silently succeed")
}

func TestLmdbEngineSupportsTwoPhaseBuilds(t *testing.T) {
	e := openTestEngine(t)
	assert.True(t, e.SupportsTwoPhaseBuilds())
}
