// Package oplog is the external oplog-writer interface (spec §6): the
// abstract replication-log transport the Index-Build Coordinator and
// catalog emit events through. The subsystem depends only on this
// interface; the actual replication log transport is explicitly out of
// scope (spec §1's Non-goals).
package oplog

import (
	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/idxspec"
)

// StartIndexBuildEvent is written before any keys are inserted for a
// two-phase build, so secondaries can start an identical build under the
// same BuildUUID.
type StartIndexBuildEvent struct {
	Database       string
	Collection     string
	CollectionUUID uuid.UUID
	BuildUUID      uuid.UUID
	Specs          []*idxspec.Descriptor
}

// CommitIndexBuildEvent is written once the primary's local build has
// drained its first two passes successfully; it carries the commit
// timestamp secondaries wait on to leave AWAITING_COMMIT.
type CommitIndexBuildEvent struct {
	BuildUUID       uuid.UUID
	CommitTimestamp uint64
}

// AbortIndexBuildEvent carries the cause and timestamp secondaries use
// to durably remove an unfinished index.
type AbortIndexBuildEvent struct {
	BuildUUID uuid.UUID
	Cause     string
	Timestamp uint64
}

// CreateIndexEvent/DropIndexEvent cover the single-phase path, where the
// whole build is local and only its end result needs to replicate.
type CreateIndexEvent struct {
	Database   string
	Collection string
	Spec       *idxspec.Descriptor
}

type DropIndexEvent struct {
	Database   string
	Collection string
	IndexName  string
}

// CollModEvent carries the effective subset of a collMod that actually
// changed an index's options (the catalog's ApplyCollMod decides what
// that subset is).
type CollModEvent struct {
	Database   string
	Collection string
	IndexName  string
	Hidden             *bool
	ExpireAfterSeconds *int64
	PrepareUnique      *bool
}

// Writer is the abstract replication-log transport consumed by the rest
// of this subsystem; callers never see the wire format or transport
// mechanics (spec §1, §6 — out of scope here).
type Writer interface {
	OnStartIndexBuild(StartIndexBuildEvent) error
	OnCommitIndexBuild(CommitIndexBuildEvent) error
	OnAbortIndexBuild(AbortIndexBuildEvent) error
	OnCreateIndex(CreateIndexEvent) error
	OnDropIndex(DropIndexEvent) error
	OnCollMod(CollModEvent) error
}

// Noop is a Writer that discards every event; the correct choice for a
// standalone, non-replicating deployment (spec §4.5's single-phase
// protocol needs no peer coordination at all).
type Noop struct{}

func (Noop) OnStartIndexBuild(StartIndexBuildEvent) error   { return nil }
func (Noop) OnCommitIndexBuild(CommitIndexBuildEvent) error { return nil }
func (Noop) OnAbortIndexBuild(AbortIndexBuildEvent) error   { return nil }
func (Noop) OnCreateIndex(CreateIndexEvent) error           { return nil }
func (Noop) OnDropIndex(DropIndexEvent) error               { return nil }
func (Noop) OnCollMod(CollModEvent) error                   { return nil }
