// Package am implements the Access Method layer (spec §4.3): the family
// of index strategies (ordered/b-tree, hashed, geo 2d/2dsphere, text,
// wildcard, columnar) that all share one write/validate/bulk-load
// contract over a Sorted-Data Interface, and the interceptor side-table
// every variant can divert writes into while an Index-Build Coordinator
// build is in flight (spec §4.5).
package am

import (
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/sdi"
)

// AccessMethod is the common surface every index strategy variant
// implements. It is deliberately narrow: everything strategy-specific
// (geohashing, tokenization, per-path fan-out) lives behind Insert/
// Remove/Update, never leaks into the catalog or coordinator layers.
type AccessMethod interface {
	Insert(doc document.Document, recordID document.RecordId) (keysInserted int, err error)
	Remove(doc document.Document, recordID document.RecordId) error
	Update(oldDoc, newDoc document.Document, recordID document.RecordId) error
	InitiateBulk() BulkBuilder
	Validate(full bool) ([]string, error)
	Compact() error
	InitializeAsEmpty() error
	MultikeyPaths() idxspec.MultikeyPaths
}

// BulkBuilder accumulates documents for a single access method during a
// bulk index build; callers must feed documents in RecordId order (the
// ETL bulk-loader guarantees this upstream).
type BulkBuilder interface {
	Add(doc document.Document, recordID document.RecordId) error
	Commit() (idxspec.MultikeyPaths, error)
}

// New constructs the AccessMethod for desc.Kind backed by store.
func New(desc *idxspec.Descriptor, store sdi.Interface) AccessMethod {
	switch desc.Kind {
	case idxspec.Hashed:
		return &keyencAM{desc: desc, store: store, mode: keyenc.Mode(0)}
	case idxspec.Wildcard:
		return &keyencAM{desc: desc, store: store, mode: keyenc.Mode(0)}
	case idxspec.Geo2D, idxspec.Geo2DSphere:
		return &geoAM{desc: desc, store: store}
	case idxspec.Text:
		return &textAM{desc: desc, store: store}
	case idxspec.Columnar:
		return &columnarAM{desc: desc, store: store}
	default:
		return &keyencAM{desc: desc, store: store, mode: keyenc.Mode(0)}
	}
}

// keyencAM covers the three key strategies keyenc.GetKeys already
// dispatches on directly: ordered (the default b-tree strategy),
// hashed, and wildcard.
type keyencAM struct {
	desc  *idxspec.Descriptor
	store sdi.Interface
	mode  keyenc.Mode
	mkp   idxspec.MultikeyPaths
}

func (a *keyencAM) Insert(doc document.Document, recordID document.RecordId) (int, error) {
	res, err := keyenc.GetKeys(doc, a.desc, recordID, keyenc.Adding, keyenc.Strict, nil)
	if err != nil {
		return 0, err
	}
	if res.Skipped {
		return 0, nil
	}
	a.mergeMultikey(res.MultikeyPaths)
	for _, k := range res.Keys {
		if err := a.store.Insert(k, recordID.Encode(), !a.desc.Unique); err != nil {
			return 0, err
		}
	}
	return len(res.Keys), nil
}

func (a *keyencAM) Remove(doc document.Document, recordID document.RecordId) error {
	res, err := keyenc.GetKeys(doc, a.desc, recordID, keyenc.Removing, keyenc.RelaxedUnfiltered, nil)
	if err != nil {
		return err
	}
	for _, k := range res.Keys {
		if err := a.store.Unindex(k, recordID.Encode(), !a.desc.Unique); err != nil {
			return err
		}
	}
	return nil
}

func (a *keyencAM) Update(oldDoc, newDoc document.Document, recordID document.RecordId) error {
	if err := a.Remove(oldDoc, recordID); err != nil {
		return err
	}
	_, err := a.Insert(newDoc, recordID)
	return err
}

func (a *keyencAM) mergeMultikey(mkp idxspec.MultikeyPaths) {
	if a.mkp.Components == nil {
		a.mkp = idxspec.NewMultikeyPaths(len(a.desc.KeyPattern))
	}
	a.mkp.Merge(mkp)
}

func (a *keyencAM) MultikeyPaths() idxspec.MultikeyPaths { return a.mkp }

func (a *keyencAM) InitiateBulk() BulkBuilder {
	return &keyencBulkBuilder{am: a, bb: a.store.MakeBulkBuilder(!a.desc.Unique)}
}

func (a *keyencAM) Validate(full bool) ([]string, error) { return a.store.Validate(full) }
func (a *keyencAM) Compact() error                       { return a.store.Compact() }
func (a *keyencAM) InitializeAsEmpty() error              { return a.store.InitAsEmpty() }

type keyencBulkBuilder struct {
	am *keyencAM
	bb sdi.BulkBuilder
}

func (b *keyencBulkBuilder) Add(doc document.Document, recordID document.RecordId) error {
	res, err := keyenc.GetKeys(doc, b.am.desc, recordID, keyenc.Adding, keyenc.Strict, nil)
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}
	b.am.mergeMultikey(res.MultikeyPaths)
	for _, k := range res.Keys {
		if err := b.bb.AddKey(k, recordID.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (b *keyencBulkBuilder) Commit() (idxspec.MultikeyPaths, error) {
	return b.am.mkp, b.bb.Commit()
}
