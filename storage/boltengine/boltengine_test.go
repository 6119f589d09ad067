package boltengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/storage"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func openTestStore(t *testing.T, e *Engine) storage.OrderedStore {
	t.Helper()
	ident, err := e.NewIdent(storage.SortedDataIdent, "t", storage.IdentOptions{})
	require.NoError(t, err)
	s, err := e.OpenIdent(ident)
	require.NoError(t, err)
	return s
}

func TestBoltEnginePutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e)

	require.NoError(t, s.Put([]byte("k1"), []byte("v1")))
	v, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestBoltEngineGetMissingKeyReturnsErrNotFound(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e)

	_, err := s.Get([]byte("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBoltEngineCursorWalksInKeyOrder(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e)
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

func TestBoltEngineNumEntriesAndSpaceUsed(t *testing.T) {
	e := openTestEngine(t)
	s := openTestStore(t, e)
	require.NoError(t, s.Put([]byte("k"), []byte("value")))

	n, err := s.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	space, err := s.SpaceUsedBytes()
	require.NoError(t, err)
	assert.EqualValues(t, len("k")+len("value"), space)
}

func TestBoltEngineDropIdentRemovesBucket(t *testing.T) {
	e := openTestEngine(t)
	ident, err := e.NewIdent(storage.SortedDataIdent, "drop-me", storage.IdentOptions{})
	require.NoError(t, err)

	require.NoError(t, e.DropIdent(ident))

	s, err := e.OpenIdent(ident)
	require.NoError(t, err)
	_, err = s.Get([]byte("anything"))
	assert.Error(t, err, "operating on a dropped bucket must fail, not silently succeed")
}

func TestBoltEngineSupportsTwoPhaseBuilds(t *testing.T) {
	e := openTestEngine(t)
	assert.True(t, e.SupportsTwoPhaseBuilds())
}
