package oplog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/idxspec"
)

func TestNoopDiscardsEveryEventWithoutError(t *testing.T) {
	var w Writer = Noop{}
	require.NoError(t, w.OnStartIndexBuild(StartIndexBuildEvent{BuildUUID: uuid.New()}))
	require.NoError(t, w.OnCommitIndexBuild(CommitIndexBuildEvent{CommitTimestamp: 1}))
	require.NoError(t, w.OnAbortIndexBuild(AbortIndexBuildEvent{Cause: "test"}))
	require.NoError(t, w.OnCreateIndex(CreateIndexEvent{Spec: &idxspec.Descriptor{Name: "by_a"}}))
	require.NoError(t, w.OnDropIndex(DropIndexEvent{IndexName: "by_a"}))
	require.NoError(t, w.OnCollMod(CollModEvent{IndexName: "by_a"}))
}

// recordingWriter is a minimal Writer spy used to assert callers emit the
// events they claim to, without pulling in a real transport.
type recordingWriter struct {
	started []StartIndexBuildEvent
}

func (r *recordingWriter) OnStartIndexBuild(e StartIndexBuildEvent) error {
	r.started = append(r.started, e)
	return nil
}
func (r *recordingWriter) OnCommitIndexBuild(CommitIndexBuildEvent) error { return nil }
func (r *recordingWriter) OnAbortIndexBuild(AbortIndexBuildEvent) error   { return nil }
func (r *recordingWriter) OnCreateIndex(CreateIndexEvent) error           { return nil }
func (r *recordingWriter) OnDropIndex(DropIndexEvent) error               { return nil }
func (r *recordingWriter) OnCollMod(CollModEvent) error                   { return nil }

func TestWriterImplementationsAreInterchangeable(t *testing.T) {
	id := uuid.New()
	var w Writer = &recordingWriter{}
	require.NoError(t, w.OnStartIndexBuild(StartIndexBuildEvent{BuildUUID: id}))

	rw := w.(*recordingWriter)
	assert.Len(t, rw.started, 1)
	assert.Equal(t, id, rw.started[0].BuildUUID)
}
