// Package catalog is the Index Catalog (spec §4.4): the collection-level
// registry of index descriptors, their build state, their storage
// idents, and their accumulated multikey paths. It is the single source
// of truth the Index-Build Coordinator registers builds against and the
// access-method layer refreshes from once a build commits.
package catalog

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/idxspec"
)

// State is an index entry's lifecycle stage within the catalog.
type State int

const (
	StateBuilding State = iota
	StateReady
)

// Entry is one catalog row: a descriptor, its storage ident, its build
// state, and its accumulated multikey paths.
type Entry struct {
	Descriptor *idxspec.Descriptor
	Ident      string
	State      State
	BuildUUID  uuid.UUID
	Multikey   idxspec.MultikeyPaths
}

func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}

// Catalog is the per-collection index registry. All methods are safe for
// concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Catalog {
	return &Catalog{entries: map[string]*Entry{}}
}

// conflictCheck reports the conflict error required when desc collides
// with an existing entry, or nil if desc may proceed.
func (c *Catalog) conflictCheck(desc *idxspec.Descriptor) error {
	for _, e := range c.entries {
		if e.Descriptor.Name == desc.Name {
			if e.Descriptor.Identical(desc) {
				return errIndexAlreadyExists(desc.Name)
			}
			return collidxerr.New(collidxerr.IndexOptionsConflict, "index name %q already in use with different options", desc.Name)
		}
		if e.Descriptor.Equivalent(desc) {
			return collidxerr.New(collidxerr.IndexKeySpecsConflict, "an equivalent index %q already exists", e.Descriptor.Name)
		}
	}
	return nil
}

func errIndexAlreadyExists(name string) error {
	return collidxerr.New(collidxerr.IndexAlreadyExists, "index %q already exists", name)
}

// CreateIndexOnEmptyCollection registers desc as immediately ready,
// skipping the build machinery entirely — valid only when the caller has
// already established the collection holds no documents (spec §4.5's
// fast path for empty collections).
func (c *Catalog) CreateIndexOnEmptyCollection(desc *idxspec.Descriptor, ident string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conflictCheck(desc); err != nil {
		return nil, err
	}
	e := &Entry{
		Descriptor: desc,
		Ident:      ident,
		State:      StateReady,
		Multikey:   idxspec.NewMultikeyPaths(len(desc.KeyPattern)),
	}
	c.entries[desc.Name] = e
	return e, nil
}

// PrepareForIndexBuild registers desc in the BUILDING state under
// buildUUID, so concurrent createIndex calls against the same name or an
// equivalent key pattern are rejected while the build is in flight.
func (c *Catalog) PrepareForIndexBuild(desc *idxspec.Descriptor, ident string, buildUUID uuid.UUID) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conflictCheck(desc); err != nil {
		return nil, err
	}
	e := &Entry{
		Descriptor: desc,
		Ident:      ident,
		State:      StateBuilding,
		BuildUUID:  buildUUID,
		Multikey:   idxspec.NewMultikeyPaths(len(desc.KeyPattern)),
	}
	c.entries[desc.Name] = e
	return e, nil
}

// IndexBuildSuccess transitions name from BUILDING to READY.
func (c *Catalog) IndexBuildSuccess(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return collidxerr.New(collidxerr.IndexNotFound, "index %q not found", name)
	}
	e.State = StateReady
	return nil
}

// DropIndex removes a READY index's catalog entry. Callers are
// responsible for dropping its storage ident afterward.
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return collidxerr.New(collidxerr.IndexNotFound, "index %q not found", name)
	}
	if e.State != StateReady {
		return collidxerr.New(collidxerr.BackgroundOperationInProgressForNamespace, "index %q build still in progress", name)
	}
	delete(c.entries, name)
	return nil
}

// DropUnfinishedIndex removes a BUILDING index's catalog entry, the
// abort-path counterpart to DropIndex.
func (c *Catalog) DropUnfinishedIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return collidxerr.New(collidxerr.IndexNotFound, "index %q not found", name)
	}
	if e.State != StateBuilding {
		return collidxerr.New(collidxerr.InvalidOptions, "index %q is not mid-build", name)
	}
	delete(c.entries, name)
	return nil
}

// RemoveIndex unconditionally removes name's catalog entry, regardless of
// state.
func (c *Catalog) RemoveIndex(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// RemoveExistingIndexes drops every entry whose name is not in keep —
// used when dropping a collection, or restoring a catalog to a known set
// of surviving indexes.
func (c *Catalog) RemoveExistingIndexes(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.entries {
		if !keep[name] {
			delete(c.entries, name)
		}
	}
}

func (c *Catalog) FindIndexByName(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (c *Catalog) FindIndexByKeyPattern(kp []idxspec.KeyPathSpec) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if sameKeyPatternShape(e.Descriptor.KeyPattern, kp) {
			return e.clone(), true
		}
	}
	return nil, false
}

// FindIndexesByKeyPattern returns every entry whose key pattern matches
// kp, in no particular order. Callers that need to reject an ambiguous
// key-pattern reference (dropIndexes, collMod) use the full set rather
// than FindIndexByKeyPattern's single-result shortcut.
func (c *Catalog) FindIndexesByKeyPattern(kp []idxspec.KeyPathSpec) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Entry
	for _, e := range c.entries {
		if sameKeyPatternShape(e.Descriptor.KeyPattern, kp) {
			out = append(out, e.clone())
		}
	}
	return out
}

// FindShardKeyPrefixedIndex reports the first ready index whose key
// pattern starts with shardKey's fields in the same order, the
// precondition a shard key must satisfy against an existing index.
func (c *Catalog) FindShardKeyPrefixedIndex(shardKey []idxspec.KeyPathSpec) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.State != StateReady {
			continue
		}
		if len(e.Descriptor.KeyPattern) < len(shardKey) {
			continue
		}
		prefixed := true
		for i, kp := range shardKey {
			if e.Descriptor.KeyPattern[i].Dotted != kp.Dotted {
				prefixed = false
				break
			}
		}
		if prefixed {
			return e.clone(), true
		}
	}
	return nil, false
}

func sameKeyPatternShape(a, b []idxspec.KeyPathSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Dotted != b[i].Dotted || a[i].Direction != b[i].Direction {
			return false
		}
	}
	return true
}

func (c *Catalog) GetEntry(name string) (*Entry, bool) {
	return c.FindIndexByName(name)
}

// GetIndexIterator returns a stable snapshot of catalog entries,
// optionally including ones still BUILDING.
func (c *Catalog) GetIndexIterator(includeBuilding bool) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.State != StateReady && !includeBuilding {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// RefreshEntry re-reads name's current state, for callers that cached an
// Entry snapshot earlier and need to notice a concurrent state
// transition (e.g. BUILDING -> READY).
func (c *Catalog) RefreshEntry(name string) (*Entry, bool) {
	return c.FindIndexByName(name)
}

// SetMultikey merges newly observed multikey paths into name's entry;
// the merge is monotonic (idxspec.MultikeyPaths.Merge), matching spec
// §8's requirement that multikey status never un-sets itself.
func (c *Catalog) SetMultikey(name string, paths idxspec.MultikeyPaths) (changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return false, collidxerr.New(collidxerr.IndexNotFound, "index %q not found", name)
	}
	return e.Multikey.Merge(paths), nil
}

// CollModChanges is the effective subset of a collMod command that
// actually altered an index's options.
type CollModChanges struct {
	Hidden             *bool
	ExpireAfterSeconds *int64
	PrepareUnique      *bool
}

// ApplyCollMod applies only the fields that actually change, returning
// the effective subset so the caller's oplog entry stays minimal and
// idempotent to replay, rather than re-emitting the whole requested
// collMod document.
// ApplyCollMod resolves name's live entry and applies req to it,
// returning the effective subset that actually changed. Unlike
// FindIndexByName, this mutates the catalog's own entry rather than a
// clone, so the change is durable.
func (c *Catalog) ApplyCollMod(name string, req CollModChanges) (CollModChanges, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return CollModChanges{}, collidxerr.New(collidxerr.IndexNotFound, "index %q not found", name)
	}
	return e.ApplyCollMod(req), nil
}

func (e *Entry) ApplyCollMod(req CollModChanges) CollModChanges {
	var applied CollModChanges
	d := *e.Descriptor
	if req.Hidden != nil && *req.Hidden != d.Hidden {
		d.Hidden = *req.Hidden
		applied.Hidden = req.Hidden
	}
	if req.ExpireAfterSeconds != nil &&
		(d.ExpireAfterSeconds == nil || *req.ExpireAfterSeconds != *d.ExpireAfterSeconds) {
		v := *req.ExpireAfterSeconds
		d.ExpireAfterSeconds = &v
		applied.ExpireAfterSeconds = req.ExpireAfterSeconds
	}
	if req.PrepareUnique != nil && *req.PrepareUnique != d.PrepareUnique {
		d.PrepareUnique = *req.PrepareUnique
		applied.PrepareUnique = req.PrepareUnique
	}
	e.Descriptor = &d
	return applied
}
