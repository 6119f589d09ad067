package ibc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/catalog"
	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/oplog"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/memengine"
)

func newTestCatalog(t *testing.T, existing ...*idxspec.Descriptor) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()
	for i, desc := range existing {
		_, err := cat.CreateIndexOnEmptyCollection(desc, "ident")
		require.NoError(t, err, "seed descriptor %d", i)
	}
	return cat
}

func newStoreFor(t *testing.T, name string) sdi.Interface {
	t.Helper()
	e := memengine.New()
	ident, err := e.NewIdent(storage.SortedDataIdent, name, storage.IdentOptions{})
	require.NoError(t, err)
	backing, err := e.OpenIdent(ident)
	require.NoError(t, err)
	return sdi.Wrap(backing, true)
}

func descX(name, field string) *idxspec.Descriptor {
	return &idxspec.Descriptor{Name: name, Kind: idxspec.Ordered, KeyPattern: idxspec.NewKeyPattern(field, idxspec.Ascending)}
}

func TestRegisterRejectsDuplicateIndexNameOnSameCollection(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	spec := descX("by_a", "a")
	stores := map[string]sdi.Interface{"by_a": newStoreFor(t, "s1")}

	_, err := c.Register("db", "coll", uuid.New(), uuid.New(), []*idxspec.Descriptor{spec}, stores, SinglePhase)
	require.NoError(t, err)

	_, err = c.Register("db", "coll", uuid.New(), uuid.New(), []*idxspec.Descriptor{spec}, stores, SinglePhase)
	require.Error(t, err)
	assert.True(t, collidxerr.Is(err, collidxerr.IndexBuildAlreadyInProgress))
}

func TestRegisterRejectsWhenScopeDisallowed(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	release := c.ScopedStopNew("db.coll")
	defer release()

	spec := descX("by_a", "a")
	_, err := c.Register("db", "coll", uuid.New(), uuid.New(), []*idxspec.Descriptor{spec}, map[string]sdi.Interface{"by_a": newStoreFor(t, "s1")}, SinglePhase)
	require.Error(t, err)
	assert.True(t, collidxerr.Is(err, collidxerr.BackgroundOperationInProgressForNamespace))
}

func TestRegisterRequiresAStoreForEverySpec(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	spec := descX("by_a", "a")
	_, err := c.Register("db", "coll", uuid.New(), uuid.New(), []*idxspec.Descriptor{spec}, map[string]sdi.Interface{}, SinglePhase)
	require.Error(t, err)
	assert.True(t, collidxerr.Is(err, collidxerr.CannotCreateIndex))
}

func TestAbortByBuildUUIDUnregistersTheBuild(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	spec := descX("by_a", "a")
	buildID := uuid.New()
	_, err := c.Register("db", "coll", uuid.New(), buildID, []*idxspec.Descriptor{spec}, map[string]sdi.Interface{"by_a": newStoreFor(t, "s1")}, SinglePhase)
	require.NoError(t, err)

	require.NoError(t, c.AbortByBuildUUID(buildID, assert.AnError))
	_, ok := c.FindBuild(buildID)
	assert.False(t, ok)

	// With the prior build unregistered, re-registering the same index name
	// must now succeed.
	_, err = c.Register("db", "coll", uuid.New(), uuid.New(), []*idxspec.Descriptor{spec}, map[string]sdi.Interface{"by_a": newStoreFor(t, "s2")}, SinglePhase)
	require.NoError(t, err)
}

func TestAbortByCollectionUUIDAbortsEveryBuildOnThatCollection(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	collUUID := uuid.New()
	specA := descX("by_a", "a")
	specB := descX("by_b", "b")
	_, err := c.Register("db", "coll", collUUID, uuid.New(), []*idxspec.Descriptor{specA}, map[string]sdi.Interface{"by_a": newStoreFor(t, "s1")}, SinglePhase)
	require.NoError(t, err)
	_, err = c.Register("db", "coll", collUUID, uuid.New(), []*idxspec.Descriptor{specB}, map[string]sdi.Interface{"by_b": newStoreFor(t, "s2")}, SinglePhase)
	require.NoError(t, err)

	require.NoError(t, c.AbortByCollectionUUID(collUUID, assert.AnError))

	_, err = c.Register("db", "coll", collUUID, uuid.New(), []*idxspec.Descriptor{specA, specB},
		map[string]sdi.Interface{"by_a": newStoreFor(t, "s3"), "by_b": newStoreFor(t, "s4")}, SinglePhase)
	require.NoError(t, err, "both names must be free again once their builds were aborted")
}

func TestPrepareSpecListForCreateDropsIdenticalAndEquivalentSpecs(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	cat := newTestCatalog(t, descX("by_a", "a"))

	specs := []*idxspec.Descriptor{
		descX("by_a", "a"),                  // identical to existing -> dropped
		descX("by_a_renamed", "a"),          // equivalent key pattern -> dropped
		descX("by_b", "b"),                  // novel -> kept
	}
	out, err := c.PrepareSpecListForCreate(cat, nil, nil, specs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "by_b", out[0].Name)
}

func TestPrepareSpecListForCreateRejectsUniqueIndexNotPrefixingShardKey(t *testing.T) {
	c := New(oplog.Noop{}, t.TempDir())
	cat := newTestCatalog(t)

	unique := descX("by_b", "b")
	unique.Unique = true
	shardKey := idxspec.NewKeyPattern("a", idxspec.Ascending)

	_, err := c.PrepareSpecListForCreate(cat, nil, shardKey, []*idxspec.Descriptor{unique})
	require.Error(t, err)
	assert.True(t, collidxerr.Is(err, collidxerr.CannotCreateIndex))
}
