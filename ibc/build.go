package ibc

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/am"
	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/log"
	"github.com/ledgerwatch/collidx/oplog"
)

// RecordSource is the collection scan a build reads during SCANNING: one
// document/RecordId pair at a time, in RecordId order, the order the ETL
// sorter needs to keep its per-run invariant cheap to maintain.
type RecordSource interface {
	Next() (doc document.Document, id document.RecordId, ok bool, err error)
}

// indexTarget pairs one requested descriptor with the access method and
// interceptor backing it for the lifetime of this build.
type indexTarget struct {
	desc        *idxspec.Descriptor
	accessMethod am.AccessMethod
	interceptor *am.Interceptor
}

// Build is one index build's full state machine (spec §4.5).
type Build struct {
	mu sync.Mutex

	ID             BuildID
	CollectionUUID uuid.UUID
	Database       string
	Collection     string
	Protocol       Protocol

	targets []*indexTarget

	state      State
	abortCause error

	writer oplog.Writer
	tmpDir string
	memLimit datasize.ByteSize

	commitCh chan struct{}
	done     chan struct{}
	err      error
}

func newBuild(id BuildID, collUUID uuid.UUID, db, coll string, specs []*idxspec.Descriptor, targets []*indexTarget, proto Protocol, writer oplog.Writer, tmpDir string, memLimit datasize.ByteSize) *Build {
	return &Build{
		ID:             id,
		CollectionUUID: collUUID,
		Database:       db,
		Collection:     coll,
		Protocol:       proto,
		targets:        targets,
		state:          StateRegistered,
		writer:         writer,
		tmpDir:         tmpDir,
		memLimit:       memLimit,
		commitCh:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Build) transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !canTransition(b.state, to) {
		return collidxerr.New(collidxerr.InvalidOptions, "illegal index build transition %s -> %s", b.state, to)
	}
	b.state = to
	return nil
}

// SetUpInner decides CONTINUE vs COMPLETE_EARLY: a build over an empty
// collection needs no scan at all, since a fresh, empty SDI already
// satisfies every descriptor.
func (b *Build) SetUpInner(estimatedRecordCount int64) (complete bool, err error) {
	if estimatedRecordCount == 0 {
		if err := b.transition(StateCompleteEarly); err != nil {
			return false, err
		}
		close(b.done)
		return true, nil
	}
	return false, nil
}

// StartBuild transitions REGISTERED -> SCANNING. For a two-phase build
// this is where the primary writes the startIndexBuild event before any
// keys are inserted.
func (b *Build) StartBuild() error {
	if b.Protocol == TwoPhase {
		specs := make([]*idxspec.Descriptor, 0, len(b.targets))
		for _, t := range b.targets {
			specs = append(specs, t.desc)
		}
		if err := b.writer.OnStartIndexBuild(oplog.StartIndexBuildEvent{
			Database:       b.Database,
			Collection:     b.Collection,
			CollectionUUID: b.CollectionUUID,
			BuildUUID:      b.ID,
			Specs:          specs,
		}); err != nil {
			return err
		}
	}
	return b.transition(StateScanning)
}

// Scan drains src into each target's bulk builder, committing every
// builder once the source is exhausted, then moves the build to
// DRAIN_1. The bulk builder (backed by sdi.BulkBuilder) is what sorts
// and loads keys in one pass; for a source large enough to need a
// spill-to-disk external sort first, callers run it through an
// etl.Sorter ahead of Scan rather than here.
func (b *Build) Scan(src RecordSource) error {
	builders := make([]am.BulkBuilder, len(b.targets))
	for i, t := range b.targets {
		builders[i] = t.accessMethod.InitiateBulk()
	}

	var count int64
	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	for {
		doc, id, ok, err := src.Next()
		if err != nil {
			return b.fail(err)
		}
		if !ok {
			break
		}
		count++
		select {
		case <-logEvery.C:
			log.Info("index build scan progress", "buildUUID", b.ID.String(), "documents", count)
		default:
		}
		for _, bb := range builders {
			if err := bb.Add(doc, id); err != nil {
				return b.fail(err)
			}
		}
	}

	for _, bb := range builders {
		if _, err := bb.Commit(); err != nil {
			return b.fail(err)
		}
	}

	return b.transition(StateDrain1)
}

func (b *Build) fail(err error) error {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	return err
}

// Drain1 drains each target's interceptor while holding (conceptually)
// only an IS lock, yielding between targets so writers are never
// starved; it repeats until a pass drains nothing new, matching spec
// §4.5's DRAIN_1 "interceptor drain, yield" description.
func (b *Build) Drain1() (drained int, err error) {
	total := 0
	for _, t := range b.targets {
		for {
			n, err := t.interceptor.Drain(t.accessMethod)
			if err != nil {
				return total, b.fail(err)
			}
			total += n
			if n == 0 {
				break
			}
		}
	}
	return total, b.transition(StateDrain2)
}

// Drain2 performs one final drain pass under a conceptual S lock with no
// yield, catching anything recorded between the last Drain1 pass and
// now.
func (b *Build) Drain2() (drained int, err error) {
	total := 0
	for _, t := range b.targets {
		n, err := t.interceptor.Drain(t.accessMethod)
		if err != nil {
			return total, b.fail(err)
		}
		total += n
	}
	return total, b.transition(StateAwaitingCommit)
}

// AwaitCommit blocks until a commit signal arrives (two-phase) or
// proceeds immediately (single-phase, which needs no peer
// coordination), then transitions to DRAIN_3.
func (b *Build) AwaitCommit(commitTimestamp uint64) error {
	if b.Protocol == TwoPhase {
		if err := b.writer.OnCommitIndexBuild(oplog.CommitIndexBuildEvent{
			BuildUUID:       b.ID,
			CommitTimestamp: commitTimestamp,
		}); err != nil {
			return err
		}
		select {
		case <-b.commitCh:
		case <-b.done:
			return collidxerr.New(collidxerr.Interrupted, "build %s aborted while awaiting commit", b.ID)
		}
	}
	return b.transition(StateDrain3)
}

// SignalCommit releases a build blocked in AwaitCommit; it is the
// counterpart a secondary's oplog applier calls on observing a
// commitIndexBuild event.
func (b *Build) SignalCommit() {
	select {
	case b.commitCh <- struct{}{}:
	default:
	}
}

// Drain3 performs the final drain under a conceptual X lock, freezing
// writers for the commit step only (spec §4.5).
func (b *Build) Drain3() error {
	for _, t := range b.targets {
		if _, err := t.interceptor.Drain(t.accessMethod); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

// CheckConstraints calls each target's Validate(false) before committing,
// failing the build on the first error it returns, then moves the build
// to COMMITTED. The problem list Validate returns is not examined.
func (b *Build) CheckConstraints() error {
	for _, t := range b.targets {
		if _, err := t.accessMethod.Validate(false); err != nil {
			return b.fail(err)
		}
	}
	return b.transition(StateCommitted)
}

// Commit finalizes a single-phase build (or a two-phase build once
// CheckConstraints has already transitioned it to COMMITTED), emitting a
// createIndex oplog event per target for the single-phase path.
func (b *Build) Commit() error {
	if b.Protocol == SinglePhase {
		for _, t := range b.targets {
			if err := b.writer.OnCreateIndex(oplog.CreateIndexEvent{
				Database:   b.Database,
				Collection: b.Collection,
				Spec:       t.desc,
			}); err != nil {
				return err
			}
		}
	}
	close(b.done)
	return nil
}

// Abort moves the build to CLEANUP_ABORTED from any state other than
// COMMITTED, COMPLETE_EARLY or CLEANUP_ABORTED (where it is a no-op),
// recording cause and waking anything blocked in AwaitCommit. Secondaries of a
// two-phase build cannot call this unilaterally (spec's failure
// semantics) — only the coordinator's abort entry points, driven by an
// observed abortIndexBuild event or a local primary failure, call it.
func (b *Build) Abort(cause error) error {
	b.mu.Lock()
	if b.state == StateCommitted || b.state == StateCleanupAborted || b.state == StateCompleteEarly {
		b.mu.Unlock()
		return nil
	}
	b.state = StateCleanupAborted
	b.abortCause = cause
	b.mu.Unlock()

	if b.Protocol == TwoPhase {
		if err := b.writer.OnAbortIndexBuild(oplog.AbortIndexBuildEvent{
			BuildUUID: b.ID,
			Cause:     cause.Error(),
		}); err != nil {
			return err
		}
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

// AbortCause reports why the build was aborted, if it was.
func (b *Build) AbortCause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortCause
}

// PersistResumeState captures enough to resume a two-phase build at
// SCANNING after a clean restart (spec's Resumption paragraph). A real
// deployment would serialize this alongside each target's spilled
// sorter runs; here it is handed back to the caller to persist.
func (b *Build) PersistResumeState() []IndexStateInfo {
	out := make([]IndexStateInfo, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, IndexStateInfo{
			MultikeyPaths: t.accessMethod.MultikeyPaths(),
		})
	}
	return out
}
