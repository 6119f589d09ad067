// Package ibc is the Index-Build Coordinator (spec §4.5): the
// process-wide singleton that owns active index-build state machines,
// serializes registration against collection drop/rename, coordinates
// phase transitions with the write path's interceptor side tables, and
// drives the external start/commit/abort events two-phase builds
// replicate to peers.
//
// Each build's state is modeled as the tagged variant spec §4.5's
// REDESIGN FLAGS call for: State is a sum type, and phase-specific data
// (the commit signal AWAITING_COMMIT waits on) lives on Build rather than being inferred from a
// single overloaded mutable struct.
package ibc

import (
	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/idxspec"
)

// State is one node of the per-build state machine in spec §4.5.
type State int

const (
	StateRegistered State = iota
	StateScanning
	StateDrain1
	StateDrain2
	StateAwaitingCommit
	StateDrain3
	StateCommitted
	StateCleanupAborted
	StateCompleteEarly
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "REGISTERED"
	case StateScanning:
		return "SCANNING"
	case StateDrain1:
		return "DRAIN_1"
	case StateDrain2:
		return "DRAIN_2"
	case StateAwaitingCommit:
		return "AWAITING_COMMIT"
	case StateDrain3:
		return "DRAIN_3"
	case StateCommitted:
		return "COMMITTED"
	case StateCleanupAborted:
		return "CLEANUP_ABORTED"
	case StateCompleteEarly:
		return "COMPLETE_EARLY"
	default:
		return "UNKNOWN"
	}
}

// Protocol selects single-phase vs two-phase coordination (spec §4.5).
type Protocol int

const (
	// SinglePhase is used on standalones, on empty collections, and
	// whenever the storage engine does not advertise two-phase support.
	SinglePhase Protocol = iota
	// TwoPhase is used on replica-set members: start/commit/abort events
	// replicate to secondaries under a shared buildUUID.
	TwoPhase
)

// Range is one contiguous span of a spilled sorter run, with a checksum
// covering it — part of IndexStateInfo.
type Range struct {
	StartOffset int64
	EndOffset   int64
	Checksum    uint32
}

// IndexStateInfo is the resumable-build checkpoint persisted at clean
// shutdown and consulted at startup (spec's DESIGN NOTES, "Resumable
// build faithfulness"): enough to rebuild a two-phase build's sorter
// exactly at the point it left off, without replaying the scan.
type IndexStateInfo struct {
	FileName      string
	NumKeys       int64
	Ranges        []Range
	Multikey      bool
	MultikeyPaths idxspec.MultikeyPaths
}

// transitions enumerates the legal edges of the state graph in spec
// §4.5's diagram; any edge not listed here is rejected by
// Build.transition, which keeps the sum-type invariant enforced in one
// place instead of scattered across every phase method.
var transitions = map[State][]State{
	StateRegistered:     {StateScanning, StateCompleteEarly},
	StateScanning:       {StateDrain1, StateCleanupAborted},
	StateDrain1:         {StateDrain2, StateCleanupAborted},
	StateDrain2:         {StateAwaitingCommit, StateCleanupAborted},
	StateAwaitingCommit: {StateDrain3, StateCleanupAborted},
	StateDrain3:         {StateCommitted, StateCleanupAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BuildID identifies one in-flight build.
type BuildID = uuid.UUID
