// Package collection wires the Index Catalog, Index-Build Coordinator,
// and oplog writer into the three collection-level operations spec §6
// names as the core's exposed surface: createIndexes, dropIndexes, and
// collMod. Everything else in this module is a building block these
// operations compose; this package is where a caller actually drives an
// index build end to end rather than assembling one by hand.
package collection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/catalog"
	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/ibc"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/oplog"
	"github.com/ledgerwatch/collidx/recordstore"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
)

// Collection is one namespace's operational handle: its record store, its
// catalog, and the coordinator/engine/oplog it shares with the rest of
// the deployment.
type Collection struct {
	Database string
	Name     string
	UUID     uuid.UUID

	engine  storage.Engine
	records recordstore.Store
	cat     *catalog.Catalog
	coord   *ibc.Coordinator
	writer  oplog.Writer
	decode  func([]byte) (document.Document, error)
}

// New returns a handle over an already-open record store and catalog.
// decode turns a record store's stored bytes back into a Document for
// the duration of an index build's scan.
func New(db, name string, collUUID uuid.UUID, engine storage.Engine, records recordstore.Store, cat *catalog.Catalog, coord *ibc.Coordinator, writer oplog.Writer, decode func([]byte) (document.Document, error)) *Collection {
	return &Collection{
		Database: db,
		Name:     name,
		UUID:     collUUID,
		engine:   engine,
		records:  records,
		cat:      cat,
		coord:    coord,
		writer:   writer,
		decode:   decode,
	}
}

func (c *Collection) identName(indexName string) string {
	return fmt.Sprintf("%s.%s.$%s", c.Database, c.Name, indexName)
}

// CreateIndexesResult reports the before/after index count spec §8's
// idempotence property is phrased in terms of.
type CreateIndexesResult struct {
	NumIndexesBefore int
	NumIndexesAfter  int
}

// CreateIndexes runs the createIndexes(collUUID, specs, fromMigrate)
// operation (spec §6): filter out anything already satisfied, fast-path
// an empty collection straight to READY, and otherwise register and
// drive a single-phase build to completion synchronously. fromMigrate
// is accepted for call-signature parity with the original command but
// does not change behavior here — this subsystem has no chunk-migration
// concept of its own.
func (c *Collection) CreateIndexes(specs []*idxspec.Descriptor, fromMigrate bool) (CreateIndexesResult, error) {
	before := len(c.cat.GetIndexIterator(true))

	filtered, err := c.coord.PrepareSpecListForCreate(c.cat, nil, nil, specs)
	if err != nil {
		return CreateIndexesResult{}, err
	}
	if len(filtered) == 0 {
		after := len(c.cat.GetIndexIterator(true))
		return CreateIndexesResult{NumIndexesBefore: before, NumIndexesAfter: after}, nil
	}

	empty, err := c.records.IsEmpty()
	if err != nil {
		return CreateIndexesResult{}, err
	}
	if empty {
		if err := c.createOnEmptyCollection(filtered); err != nil {
			return CreateIndexesResult{}, err
		}
		after := len(c.cat.GetIndexIterator(true))
		return CreateIndexesResult{NumIndexesBefore: before, NumIndexesAfter: after}, nil
	}

	if err := c.buildAndCommit(filtered); err != nil {
		return CreateIndexesResult{}, err
	}
	after := len(c.cat.GetIndexIterator(true))
	return CreateIndexesResult{NumIndexesBefore: before, NumIndexesAfter: after}, nil
}

func (c *Collection) createOnEmptyCollection(specs []*idxspec.Descriptor) error {
	for _, spec := range specs {
		ident, err := c.engine.NewIdent(storage.SortedDataIdent, c.identName(spec.Name), storage.IdentOptions{DupSort: !spec.Unique})
		if err != nil {
			return err
		}
		if _, err := c.cat.CreateIndexOnEmptyCollection(spec, ident); err != nil {
			return err
		}
		if err := c.writer.OnCreateIndex(oplog.CreateIndexEvent{Database: c.Database, Collection: c.Name, Spec: spec}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) buildAndCommit(specs []*idxspec.Descriptor) error {
	buildUUID := uuid.New()
	stores := make(map[string]sdi.Interface, len(specs))

	registered := make([]*idxspec.Descriptor, 0, len(specs))
	rollback := func() {
		for _, spec := range registered {
			_ = c.cat.DropUnfinishedIndex(spec.Name)
		}
	}

	for _, spec := range specs {
		ident, err := c.engine.NewIdent(storage.SortedDataIdent, c.identName(spec.Name), storage.IdentOptions{DupSort: !spec.Unique})
		if err != nil {
			rollback()
			return err
		}
		store, err := c.engine.OpenIdent(ident)
		if err != nil {
			rollback()
			return err
		}
		if _, err := c.cat.PrepareForIndexBuild(spec, ident, buildUUID); err != nil {
			rollback()
			return err
		}
		registered = append(registered, spec)
		stores[spec.Name] = sdi.Wrap(store, !spec.Unique)
	}

	build, err := c.coord.Register(c.Database, c.Name, c.UUID, buildUUID, specs, stores, ibc.SinglePhase)
	if err != nil {
		rollback()
		return err
	}

	fail := func(cause error) error {
		_ = c.coord.AbortByBuildUUID(buildUUID, cause)
		rollback()
		return cause
	}

	count, err := c.records.NumRecords()
	if err != nil {
		return fail(err)
	}
	complete, err := build.SetUpInner(count)
	if err != nil {
		return fail(err)
	}
	if complete {
		for _, spec := range specs {
			if err := c.cat.IndexBuildSuccess(spec.Name); err != nil {
				return fail(err)
			}
		}
		c.coord.Complete(build)
		return nil
	}

	if err := build.StartBuild(); err != nil {
		return fail(err)
	}

	cur, err := c.records.GetCursor()
	if err != nil {
		return fail(err)
	}
	defer cur.Close()

	if err := build.Scan(&recordSource{cur: cur, decode: c.decode}); err != nil {
		return fail(err)
	}
	if _, err := build.Drain1(); err != nil {
		return fail(err)
	}
	if _, err := build.Drain2(); err != nil {
		return fail(err)
	}
	if err := build.AwaitCommit(0); err != nil {
		return fail(err)
	}
	if err := build.Drain3(); err != nil {
		return fail(err)
	}
	if err := build.CheckConstraints(); err != nil {
		return fail(err)
	}
	if err := build.Commit(); err != nil {
		return fail(err)
	}

	for _, spec := range specs {
		if err := c.cat.IndexBuildSuccess(spec.Name); err != nil {
			return fail(err)
		}
	}
	c.coord.Complete(build)
	return nil
}

// recordSource adapts a recordstore.Cursor into an ibc.RecordSource by
// decoding each record's stored bytes on the way out.
type recordSource struct {
	cur    recordstore.Cursor
	decode func([]byte) (document.Document, error)
}

func (s *recordSource) Next() (document.Document, document.RecordId, bool, error) {
	rec, ok, err := s.cur.Next()
	if err != nil || !ok {
		return document.Document{}, document.RecordId{}, false, err
	}
	doc, err := s.decode(rec.Bytes)
	if err != nil {
		return document.Document{}, document.RecordId{}, false, err
	}
	return doc, rec.ID, true, nil
}

// DropIndexesSpec is the dropIndexes(ns, spec) argument spec §6 describes
// as one of four shapes: the literal "*", a single name, a key pattern,
// or a batch of names. Exactly one of Name == "*", Name (non-"*"),
// KeyPattern, or Names should be set; All is a convenience for the "*"
// case.
type DropIndexesSpec struct {
	All        bool
	Name       string
	KeyPattern []idxspec.KeyPathSpec
	Names      []string
}

// DropAllIndexes builds the "*" dropIndexes spec.
func DropAllIndexes() DropIndexesSpec { return DropIndexesSpec{All: true} }

// DropIndexByName builds the single-name dropIndexes spec.
func DropIndexByName(name string) DropIndexesSpec { return DropIndexesSpec{Name: name} }

// DropIndexByKeyPattern builds the key-pattern dropIndexes spec.
func DropIndexByKeyPattern(kp []idxspec.KeyPathSpec) DropIndexesSpec {
	return DropIndexesSpec{KeyPattern: kp}
}

// DropIndexesByNames builds the index-name-array dropIndexes spec.
func DropIndexesByNames(names []string) DropIndexesSpec { return DropIndexesSpec{Names: names} }

// DropIndexes runs the dropIndexes(ns, spec) operation (spec §6, §8): the
// "*" | name | keyPattern | [names] dispatch, the AmbiguousIndexKeyPattern
// error path, and the _id-index protection that refuses to ever drop it.
func (c *Collection) DropIndexes(spec DropIndexesSpec) error {
	switch {
	case len(spec.Names) > 0:
		for _, name := range spec.Names {
			if err := c.dropIndexByName(name); err != nil {
				return fmt.Errorf("dropIndexes %s.%s failed to drop multiple indexes at %q: %w", c.Database, c.Name, name, err)
			}
		}
		return nil
	case spec.All || spec.Name == "*":
		return c.dropAllIndexes()
	case spec.Name != "":
		return c.dropIndexByName(spec.Name)
	case spec.KeyPattern != nil:
		return c.dropByKeyPattern(spec.KeyPattern)
	default:
		return collidxerr.New(collidxerr.InvalidOptions, "invalid index drop specification")
	}
}

func (c *Collection) dropIndexByName(name string) error {
	e, ok := c.cat.FindIndexByName(name)
	if !ok {
		return collidxerr.New(collidxerr.IndexNotFound, "index not found with name [%s]", name)
	}
	if e.Descriptor.IsIdIndex() {
		return collidxerr.New(collidxerr.InvalidOptions, "cannot drop _id index")
	}
	return c.dropEntry(e)
}

func (c *Collection) dropByKeyPattern(kp []idxspec.KeyPathSpec) error {
	entries := c.cat.FindIndexesByKeyPattern(kp)
	if len(entries) == 0 {
		return collidxerr.New(collidxerr.IndexNotFound, "can't find index with key: %v", kp)
	}
	if len(entries) > 1 {
		return collidxerr.New(collidxerr.AmbiguousIndexKeyPattern, "%d indexes found for key: %v, identify by name instead", len(entries), kp)
	}
	e := entries[0]
	if e.Descriptor.IsIdIndex() {
		return collidxerr.New(collidxerr.InvalidOptions, "cannot drop _id index")
	}
	if e.Descriptor.Name == "*" {
		return collidxerr.New(collidxerr.InvalidOptions, "cannot drop an index named '*' by key pattern; drop it by name instead")
	}
	return c.dropEntry(e)
}

func (c *Collection) dropAllIndexes() error {
	for _, e := range c.cat.GetIndexIterator(true) {
		if e.Descriptor.IsIdIndex() {
			continue
		}
		if err := c.dropEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) dropEntry(e *catalog.Entry) error {
	if e.State == catalog.StateBuilding {
		cause := collidxerr.New(collidxerr.IndexBuildAborted, "index %q dropped while still building", e.Descriptor.Name)
		if err := c.coord.AbortByIndexNames(c.Database, c.Name, []string{e.Descriptor.Name}, cause); err != nil {
			return err
		}
		if err := c.cat.DropUnfinishedIndex(e.Descriptor.Name); err != nil {
			return err
		}
	} else {
		if err := c.cat.DropIndex(e.Descriptor.Name); err != nil {
			return err
		}
	}
	if err := c.engine.DropIdent(e.Ident); err != nil {
		return err
	}
	return c.writer.OnDropIndex(oplog.DropIndexEvent{Database: c.Database, Collection: c.Name, IndexName: e.Descriptor.Name})
}

// CollModRequest is the {index: {name|keyPattern, expireAfterSeconds?,
// hidden?}} subset of collMod(ns, cmdObj) this subsystem understands
// (spec §6). Exactly one of IndexName/IndexKeyPattern identifies the
// target; at least one of ExpireAfterSeconds/Hidden must be set.
type CollModRequest struct {
	IndexName          string
	IndexKeyPattern    []idxspec.KeyPathSpec
	ExpireAfterSeconds *int64
	Hidden             *bool
}

// CollMod runs the index-option subset of collMod(ns, cmdObj) (spec §6,
// §8 scenario 5): resolves the target index, guards _id-index TTL/hide
// attempts, treats a hidden value matching the current one as a no-op,
// and emits only the effective subset of the change to the oplog.
func (c *Collection) CollMod(req CollModRequest) (catalog.CollModChanges, error) {
	if req.IndexName != "" && req.IndexKeyPattern != nil {
		return catalog.CollModChanges{}, collidxerr.New(collidxerr.InvalidOptions, "cannot specify both key pattern and name")
	}
	if req.IndexName == "" && req.IndexKeyPattern == nil {
		return catalog.CollModChanges{}, collidxerr.New(collidxerr.InvalidOptions, "must specify either index name or key pattern")
	}
	if req.ExpireAfterSeconds == nil && req.Hidden == nil {
		return catalog.CollModChanges{}, collidxerr.New(collidxerr.InvalidOptions, "no expireAfterSeconds or hidden field")
	}

	var entry *catalog.Entry
	if req.IndexName != "" {
		e, ok := c.cat.FindIndexByName(req.IndexName)
		if !ok {
			return catalog.CollModChanges{}, collidxerr.New(collidxerr.IndexNotFound, "cannot find index %q", req.IndexName)
		}
		entry = e
	} else {
		entries := c.cat.FindIndexesByKeyPattern(req.IndexKeyPattern)
		if len(entries) > 1 {
			return catalog.CollModChanges{}, collidxerr.New(collidxerr.AmbiguousIndexKeyPattern, "index keyPattern %v matches %d indexes, must use index name", req.IndexKeyPattern, len(entries))
		}
		if len(entries) == 0 {
			return catalog.CollModChanges{}, collidxerr.New(collidxerr.IndexNotFound, "cannot find index %v", req.IndexKeyPattern)
		}
		entry = entries[0]
	}

	var changes catalog.CollModChanges
	if req.ExpireAfterSeconds != nil {
		if entry.Descriptor.ExpireAfterSeconds == nil {
			if entry.Descriptor.IsIdIndex() {
				return catalog.CollModChanges{}, collidxerr.New(collidxerr.InvalidOptions, "the _id field does not support TTL indexes")
			}
			if len(entry.Descriptor.KeyPattern) != 1 {
				return catalog.CollModChanges{}, collidxerr.New(collidxerr.InvalidOptions, "TTL indexes are single-field indexes, compound indexes do not support TTL")
			}
		}
		changes.ExpireAfterSeconds = req.ExpireAfterSeconds
	}
	if req.Hidden != nil && entry.Descriptor.Hidden != *req.Hidden {
		if entry.Descriptor.IsIdIndex() {
			return catalog.CollModChanges{}, collidxerr.New(collidxerr.BadValue, "can't hide _id index")
		}
		changes.Hidden = req.Hidden
	}

	applied, err := c.cat.ApplyCollMod(entry.Descriptor.Name, changes)
	if err != nil {
		return catalog.CollModChanges{}, err
	}

	if applied.Hidden == nil && applied.ExpireAfterSeconds == nil && applied.PrepareUnique == nil {
		return applied, nil
	}

	err = c.writer.OnCollMod(oplog.CollModEvent{
		Database:           c.Database,
		Collection:         c.Name,
		IndexName:          entry.Descriptor.Name,
		Hidden:             applied.Hidden,
		ExpireAfterSeconds: applied.ExpireAfterSeconds,
		PrepareUnique:      applied.PrepareUnique,
	})
	return applied, err
}
