package ibc

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/am"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/oplog"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/memengine"
)

func newSingleTarget(t *testing.T) *indexTarget {
	t.Helper()
	e := memengine.New()
	ident, err := e.NewIdent(storage.SortedDataIdent, "idx", storage.IdentOptions{})
	require.NoError(t, err)
	store, err := e.OpenIdent(ident)
	require.NoError(t, err)
	desc := &idxspec.Descriptor{Name: "by_a", Kind: idxspec.Ordered, KeyPattern: idxspec.NewKeyPattern("a", idxspec.Ascending)}
	return &indexTarget{
		desc:         desc,
		accessMethod: am.New(desc, sdi.Wrap(store, true)),
		interceptor:  am.NewInterceptor(),
	}
}

func newTestBuild(t *testing.T, proto Protocol) *Build {
	t.Helper()
	target := newSingleTarget(t)
	return newBuild(uuid.New(), uuid.New(), "db", "coll", []*idxspec.Descriptor{target.desc}, []*indexTarget{target}, proto, oplog.Noop{}, t.TempDir(), 1*datasize.MB)
}

type fakeSource struct {
	docs []document.Document
	ids  []document.RecordId
	i    int
}

func (f *fakeSource) Next() (document.Document, document.RecordId, bool, error) {
	if f.i >= len(f.docs) {
		return document.Document{}, document.RecordId{}, false, nil
	}
	d, id := f.docs[f.i], f.ids[f.i]
	f.i++
	return d, id, true, nil
}

func docWithA(v int64) document.Document {
	d := document.New()
	d.Root.Set("a", document.Value{Type: document.TypeInt, Int64: v})
	return d
}

func TestSetUpInnerCompletesEarlyOnEmptyCollection(t *testing.T) {
	b := newTestBuild(t, SinglePhase)
	complete, err := b.SetUpInner(0)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, StateCompleteEarly, b.State())
}

func TestSetUpInnerContinuesWhenCollectionNonEmpty(t *testing.T) {
	b := newTestBuild(t, SinglePhase)
	complete, err := b.SetUpInner(10)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, StateRegistered, b.State())
}

func TestSinglePhaseBuildHappyPath(t *testing.T) {
	b := newTestBuild(t, SinglePhase)
	require.NoError(t, b.StartBuild())
	assert.Equal(t, StateScanning, b.State())

	src := &fakeSource{docs: []document.Document{docWithA(1), docWithA(2)}, ids: []document.RecordId{document.LongRecordId(1), document.LongRecordId(2)}}
	require.NoError(t, b.Scan(src))
	assert.Equal(t, StateDrain1, b.State())

	_, err := b.Drain1()
	require.NoError(t, err)
	assert.Equal(t, StateDrain2, b.State())

	_, err = b.Drain2()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCommit, b.State())

	require.NoError(t, b.AwaitCommit(0))
	assert.Equal(t, StateDrain3, b.State())

	require.NoError(t, b.Drain3())
	require.NoError(t, b.CheckConstraints())
	assert.Equal(t, StateCommitted, b.State())

	require.NoError(t, b.Commit())
	select {
	case <-b.done:
	default:
		t.Fatal("Commit must close done")
	}
}

func TestAbortIsIdempotentAndRecordsCause(t *testing.T) {
	b := newTestBuild(t, SinglePhase)
	cause := assert.AnError
	require.NoError(t, b.Abort(cause))
	assert.Equal(t, StateCleanupAborted, b.State())
	assert.Equal(t, cause, b.AbortCause())

	require.NoError(t, b.Abort(assert.AnError), "aborting twice must not panic or error")
}

func TestAbortAfterCommitIsNoop(t *testing.T) {
	b := newTestBuild(t, SinglePhase)
	require.NoError(t, b.StartBuild())
	require.NoError(t, b.Scan(&fakeSource{}))
	_, err := b.Drain1()
	require.NoError(t, err)
	_, err = b.Drain2()
	require.NoError(t, err)
	require.NoError(t, b.AwaitCommit(0))
	require.NoError(t, b.Drain3())
	require.NoError(t, b.CheckConstraints())

	require.NoError(t, b.Abort(assert.AnError))
	assert.Equal(t, StateCommitted, b.State(), "a committed build cannot be retroactively aborted")
}

func TestAwaitCommitBlocksUntilSignalOnTwoPhase(t *testing.T) {
	b := newTestBuild(t, TwoPhase)
	require.NoError(t, b.StartBuild())
	require.NoError(t, b.Scan(&fakeSource{}))
	_, err := b.Drain1()
	require.NoError(t, err)
	_, err = b.Drain2()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.AwaitCommit(42) }()

	// SignalCommit is a non-blocking send; retry until AwaitCommit is
	// actually parked on its select so the signal isn't dropped.
	var awaitErr error
	received := false
	for !received {
		select {
		case awaitErr = <-done:
			received = true
		default:
			b.SignalCommit()
		}
	}
	require.NoError(t, awaitErr)
	assert.Equal(t, StateDrain3, b.State())
}

func TestAwaitCommitUnblocksOnAbort(t *testing.T) {
	b := newTestBuild(t, TwoPhase)
	require.NoError(t, b.StartBuild())
	require.NoError(t, b.Scan(&fakeSource{}))
	_, err := b.Drain1()
	require.NoError(t, err)
	_, err = b.Drain2()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.AwaitCommit(42) }()
	require.NoError(t, b.Abort(assert.AnError))
	assert.Error(t, <-done)
}
