// Package idxspec holds the shared, immutable index configuration types
// (spec §3 IndexDescriptor) that the key encoder, access methods, catalog,
// and build coordinator all need a common vocabulary for.
package idxspec

import (
	"github.com/ledgerwatch/collidx/document"
)

// Kind selects the access-method variant bound to an index (spec §4.3).
type Kind string

const (
	Ordered       Kind = "ordered"
	Hashed        Kind = "hashed"
	Geo2D         Kind = "2d"
	Geo2DSphere   Kind = "2dsphere"
	Text          Kind = "text"
	Wildcard      Kind = "wildcard"
	Columnar      Kind = "columnar"
)

// Direction is the per-path sort direction in a key pattern.
type Direction int8

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// KeyPathSpec is one component of an index's key pattern: a dotted field
// path plus its sort direction.
type KeyPathSpec struct {
	Path      []string
	Dotted    string
	Direction Direction
}

// Collation is an ICU-style sort-key transform applied to string leaves
// before encoding (spec §4.1). SortKey must be total and stable: equal
// inputs under the collation's rules must produce byte-identical output.
type Collation struct {
	Locale  string
	SortKey func(s string) []byte
}

// Projection is a wildcard/columnar subtree selector, stored both as
// authored (what the user wrote) and normalized (canonical form used for
// signature/equivalence comparisons) per spec §3.
type Projection struct {
	Authored   map[string]bool // field -> included
	Normalized []string        // sorted, deduplicated, canonical paths; empty = "index everything"
	Exclusion  bool            // true if Authored expresses an exclusion projection
}

// PartialFilter is the compiled predicate of a partial index.
type PartialFilter struct {
	Source string
	Eval   func(doc document.Document) bool
}

// Descriptor is spec §3's IndexDescriptor: immutable once constructed.
// Descriptors are never mutated after creation; collMod/hide/TTL-edit
// produce a new Descriptor value.
type Descriptor struct {
	Name                string
	KeyPattern          []KeyPathSpec
	Kind                Kind
	Version             int
	Unique              bool
	Sparse              bool
	PartialFilter       *PartialFilter
	Collation           *Collation
	Projection          *Projection
	ExpireAfterSeconds  *int64
	Hidden              bool
	PrepareUnique       bool
	RecordIdFormat      document.RecordIdFormat
}

// Identical reports whether two descriptors match on every option (spec
// §3: "Two descriptors are identical iff all options match").
func (d *Descriptor) Identical(o *Descriptor) bool {
	if d.Name != o.Name || d.Kind != o.Kind || d.Unique != o.Unique ||
		d.Sparse != o.Sparse || d.Hidden != o.Hidden || d.PrepareUnique != o.PrepareUnique {
		return false
	}
	if !sameKeyPattern(d.KeyPattern, o.KeyPattern) {
		return false
	}
	if !sameCollation(d.Collation, o.Collation) {
		return false
	}
	if !samePartialFilterSource(d.PartialFilter, o.PartialFilter) {
		return false
	}
	if !sameProjection(d.Projection, o.Projection) {
		return false
	}
	if !sameExpire(d.ExpireAfterSeconds, o.ExpireAfterSeconds) {
		return false
	}
	return true
}

// Equivalent reports whether two descriptors share the "signature-defining
// subset" spec §3 names: key pattern, collation, partial filter,
// normalized wildcard/column projection, and uniqueness (the last only
// matters for name-uniqueness conflicts, so it is included here).
func (d *Descriptor) Equivalent(o *Descriptor) bool {
	if !sameKeyPattern(d.KeyPattern, o.KeyPattern) {
		return false
	}
	if !sameCollation(d.Collation, o.Collation) {
		return false
	}
	if !samePartialFilterSource(d.PartialFilter, o.PartialFilter) {
		return false
	}
	if !sameProjection(d.Projection, o.Projection) {
		return false
	}
	return d.Unique == o.Unique
}

// IsIdIndex reports whether d is the collection's primary _id index: a
// single-field key pattern on "_id" that isn't hashed. A hashed index on
// "_id" can coexist with the real _id index and is never treated as it.
func (d *Descriptor) IsIdIndex() bool {
	if len(d.KeyPattern) != 1 || d.KeyPattern[0].Dotted != "_id" {
		return false
	}
	return d.Kind != Hashed
}

func sameKeyPattern(a, b []KeyPathSpec) bool {
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

func sameCollation(a, b *Collation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Locale == b.Locale
}

func samePartialFilterSource(a, b *PartialFilter) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Source == b.Source
}

func sameProjection(a, b *Projection) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Exclusion != b.Exclusion || len(a.Normalized) != len(b.Normalized) {
		return false
	}
	for i := range a.Normalized {
		if a.Normalized[i] != b.Normalized[i] {
			return false
		}
	}
	return true
}

func sameExpire(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// NewKeyPattern builds a []KeyPathSpec from dotted-path/direction pairs,
// e.g. NewKeyPattern("a", Ascending, "b.c", Descending).
func NewKeyPattern(pairs ...interface{}) []KeyPathSpec {
	if len(pairs)%2 != 0 {
		panic("idxspec: NewKeyPattern requires path/direction pairs")
	}
	out := make([]KeyPathSpec, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		dotted := pairs[i].(string)
		dir := pairs[i+1].(Direction)
		out = append(out, KeyPathSpec{Path: splitDotted(dotted), Dotted: dotted, Direction: dir})
	}
	return out
}

func splitDotted(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
