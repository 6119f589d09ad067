package ibc

import (
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"

	"github.com/ledgerwatch/collidx/am"
	"github.com/ledgerwatch/collidx/catalog"
	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/oplog"
	"github.com/ledgerwatch/collidx/sdi"
)

const defaultSorterMemLimit = 512 * datasize.MB

// Coordinator is the process-wide Index-Build Coordinator singleton
// (spec §4.5): it owns every in-flight Build, serializes registration
// against collection/database drops, and is the single entry point
// abort-by-buildUUID / abort-by-collectionUUID / abort-by-index-names
// all go through.
type Coordinator struct {
	mu sync.Mutex

	byUUID       map[uuid.UUID]*Build
	byCollection map[string]map[string]*Build // "db.coll" -> index name -> Build
	disallowed   map[string]bool              // "db" or "db.coll" currently refusing new registrations

	writer   oplog.Writer
	tmpDir   string
	memLimit datasize.ByteSize
}

// New constructs a Coordinator. writer receives every start/commit/abort/
// createIndex event its builds emit; pass oplog.Noop{} on a standalone.
func New(writer oplog.Writer, tmpDir string) *Coordinator {
	return &Coordinator{
		byUUID:       map[uuid.UUID]*Build{},
		byCollection: map[string]map[string]*Build{},
		disallowed:   map[string]bool{},
		writer:       writer,
		tmpDir:       tmpDir,
		memLimit:     defaultSorterMemLimit,
	}
}

func nsKey(db, coll string) string { return db + "." + coll }

// ScopedStopNew marks scope (a database name, or "db.collection") as
// disallowed for new registrations, for the duration a drop/rename
// guard is held. The returned func releases the guard.
func (c *Coordinator) ScopedStopNew(scope string) func() {
	c.mu.Lock()
	c.disallowed[scope] = true
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.disallowed, scope)
		c.mu.Unlock()
	}
}

// PrepareSpecListForCreate filters a requested spec list the way spec
// §4.5 describes: apply the collection's default collation to any spec
// lacking one, drop specs that already exist identically or are
// equivalent to one currently building, and refuse unique indexes whose
// key pattern does not begin with the shard key's fields.
func (c *Coordinator) PrepareSpecListForCreate(cat *catalog.Catalog, defaultCollation *idxspec.Collation, shardKey []idxspec.KeyPathSpec, specs []*idxspec.Descriptor) ([]*idxspec.Descriptor, error) {
	out := make([]*idxspec.Descriptor, 0, len(specs))
	for _, spec := range specs {
		if spec.Collation == nil && defaultCollation != nil {
			withDefault := *spec
			withDefault.Collation = defaultCollation
			spec = &withDefault
		}
		if existing, ok := cat.FindIndexByName(spec.Name); ok && existing.Descriptor.Identical(spec) {
			continue // identical index already exists: drop silently
		}
		if existing, ok := cat.FindIndexByKeyPattern(spec.KeyPattern); ok && existing.Descriptor.Equivalent(spec) {
			continue // equivalent index already exists or is building: drop silently
		}
		if spec.Unique && len(shardKey) > 0 && !keyPatternPrefixes(spec.KeyPattern, shardKey) {
			return nil, collidxerr.New(collidxerr.CannotCreateIndex, "unique index %q is incompatible with the collection's shard key", spec.Name)
		}
		out = append(out, spec)
	}
	return out, nil
}

func keyPatternPrefixes(kp, shardKey []idxspec.KeyPathSpec) bool {
	if len(kp) < len(shardKey) {
		return false
	}
	for i, sk := range shardKey {
		if kp[i].Dotted != sk.Dotted {
			return false
		}
	}
	return true
}

// Register admits a new build for db/coll under buildUUID, backed by one
// sdi.Interface+AccessMethod per spec. It enforces spec §4.5's
// registration rules: the collection/database must not be in the
// disallowed set, and no existing build on the same collection may
// already use one of the proposed index names.
func (c *Coordinator) Register(db, coll string, collUUID uuid.UUID, buildUUID uuid.UUID, specs []*idxspec.Descriptor, stores map[string]sdi.Interface, proto Protocol) (*Build, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disallowed[db] || c.disallowed[nsKey(db, coll)] {
		return nil, collidxerr.New(collidxerr.BackgroundOperationInProgressForNamespace, "new index builds are temporarily disallowed on %s", nsKey(db, coll))
	}

	key := nsKey(db, coll)
	existing := c.byCollection[key]
	for _, spec := range specs {
		if b, ok := existing[spec.Name]; ok {
			if b.State() == StateCleanupAborted {
				return nil, collidxerr.New(collidxerr.IndexBuildAborted, "a build for index %q is aborting", spec.Name)
			}
			return nil, collidxerr.New(collidxerr.IndexBuildAlreadyInProgress, "a build for index %q is already in progress", spec.Name)
		}
	}

	targets := make([]*indexTarget, 0, len(specs))
	for _, spec := range specs {
		store, ok := stores[spec.Name]
		if !ok {
			return nil, collidxerr.New(collidxerr.CannotCreateIndex, "no storage ident provided for index %q", spec.Name)
		}
		targets = append(targets, &indexTarget{
			desc:         spec,
			accessMethod: am.New(spec, store),
			interceptor:  am.NewInterceptor(),
		})
	}

	b := newBuild(buildUUID, collUUID, db, coll, specs, targets, proto, c.writer, c.tmpDir, c.memLimit)
	c.byUUID[buildUUID] = b
	if existing == nil {
		existing = map[string]*Build{}
		c.byCollection[key] = existing
	}
	for _, spec := range specs {
		existing[spec.Name] = b
	}
	return b, nil
}

func (c *Coordinator) unregister(b *Build) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byUUID, b.ID)
	key := nsKey(b.Database, b.Collection)
	if m, ok := c.byCollection[key]; ok {
		for _, t := range b.targets {
			delete(m, t.desc.Name)
		}
		if len(m) == 0 {
			delete(c.byCollection, key)
		}
	}
}

// Complete finalizes a build after Commit/CompleteEarly succeeds and
// removes it from the coordinator's tracking tables.
func (c *Coordinator) Complete(b *Build) {
	c.unregister(b)
}

// AbortByBuildUUID aborts the single build identified by id, if any.
func (c *Coordinator) AbortByBuildUUID(id uuid.UUID, cause error) error {
	c.mu.Lock()
	b, ok := c.byUUID[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.Abort(cause); err != nil {
		return err
	}
	c.unregister(b)
	return nil
}

// AbortByCollectionUUID aborts every build registered against collUUID —
// used when a collection is dropped or renamed out from under an
// in-flight build.
func (c *Coordinator) AbortByCollectionUUID(collUUID uuid.UUID, cause error) error {
	c.mu.Lock()
	var victims []*Build
	for _, b := range c.byUUID {
		if b.CollectionUUID == collUUID {
			victims = append(victims, b)
		}
	}
	c.mu.Unlock()
	for _, b := range victims {
		if err := b.Abort(cause); err != nil {
			return err
		}
		c.unregister(b)
	}
	return nil
}

// AbortByIndexNames aborts whichever build(s) own any of names on
// db/coll — used by dropIndexes when a name mid-build is named
// explicitly.
func (c *Coordinator) AbortByIndexNames(db, coll string, names []string, cause error) error {
	c.mu.Lock()
	key := nsKey(db, coll)
	m := c.byCollection[key]
	seen := map[*Build]bool{}
	var victims []*Build
	for _, name := range names {
		if b, ok := m[name]; ok && !seen[b] {
			seen[b] = true
			victims = append(victims, b)
		}
	}
	c.mu.Unlock()
	for _, b := range victims {
		if err := b.Abort(cause); err != nil {
			return err
		}
		c.unregister(b)
	}
	return nil
}

// FindBuild looks up an in-flight build by its BuildUUID, e.g. for a
// secondary applying an observed commitIndexBuild/abortIndexBuild event.
func (c *Coordinator) FindBuild(id uuid.UUID) (*Build, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byUUID[id]
	return b, ok
}

// ResumeFromState rebuilds an unfinished two-phase build at SCANNING
// using a previously persisted checkpoint (spec §4.5's Resumption
// paragraph): the per-target multikey state is restored immediately so
// a resumed build never regresses multikey status, even though the
// underlying sorter runs themselves are out of this package's scope to
// reopen.
func (c *Coordinator) ResumeFromState(db, coll string, collUUID, buildUUID uuid.UUID, specs []*idxspec.Descriptor, stores map[string]sdi.Interface, checkpoints []IndexStateInfo) (*Build, error) {
	b, err := c.Register(db, coll, collUUID, buildUUID, specs, stores, TwoPhase)
	if err != nil {
		return nil, err
	}
	for i, t := range b.targets {
		if i < len(checkpoints) {
			t.accessMethod.MultikeyPaths().Merge(checkpoints[i].MultikeyPaths)
		}
	}
	if err := b.transition(StateScanning); err != nil {
		return nil, err
	}
	return b, nil
}
