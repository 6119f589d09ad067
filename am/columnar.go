package am

import (
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/sdi"
)

// columnarAM stores one entry per (path, value, recordID) rather than one
// entry per document, the way a dup-sorted (path, rowId) cell store
// would back a columnar scan: every top-level field of the document
// becomes its own key, prefixed with the field name so a single
// dup-sorted ident can hold every column. It reuses keyenc's own scalar
// encoding by building a single-field synthetic document per column
// rather than duplicating the ordering-byte logic.
type columnarAM struct {
	desc  *idxspec.Descriptor
	store sdi.Interface
}

func (a *columnarAM) fieldKey(name string, value document.Value, recordID document.RecordId) (keyenc.Key, bool, error) {
	synthObj := document.NewObject()
	synthObj.Set(name, value)
	synthDoc := document.Document{Root: synthObj}
	synthDesc := &idxspec.Descriptor{
		Kind:       idxspec.Ordered,
		KeyPattern: []idxspec.KeyPathSpec{{Path: []string{name}, Dotted: name, Direction: idxspec.Ascending}},
	}
	res, err := keyenc.GetKeys(synthDoc, synthDesc, recordID, keyenc.Adding, keyenc.Strict, nil)
	if err != nil {
		return keyenc.Key{}, false, err
	}
	if len(res.Keys) == 0 {
		return keyenc.Key{}, false, nil
	}
	k := res.Keys[0]
	prefixed := make([]byte, 0, len(name)+2+len(k.Ordered))
	prefixed = append(prefixed, []byte(name)...)
	prefixed = append(prefixed, 0x00, 0x00)
	prefixed = append(prefixed, k.Ordered...)
	return keyenc.Key{Ordered: prefixed, TypeBits: k.TypeBits}, true, nil
}

func (a *columnarAM) Insert(doc document.Document, recordID document.RecordId) (int, error) {
	n := 0
	for _, name := range doc.Root.Fields() {
		v, _ := doc.Root.Get(name)
		k, ok, err := a.fieldKey(name, v, recordID)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := a.store.Insert(k, recordID.Encode(), true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (a *columnarAM) Remove(doc document.Document, recordID document.RecordId) error {
	for _, name := range doc.Root.Fields() {
		v, _ := doc.Root.Get(name)
		k, ok, err := a.fieldKey(name, v, recordID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := a.store.Unindex(k, recordID.Encode(), true); err != nil {
			return err
		}
	}
	return nil
}

func (a *columnarAM) Update(oldDoc, newDoc document.Document, recordID document.RecordId) error {
	if err := a.Remove(oldDoc, recordID); err != nil {
		return err
	}
	_, err := a.Insert(newDoc, recordID)
	return err
}

func (a *columnarAM) MultikeyPaths() idxspec.MultikeyPaths {
	return idxspec.NewMultikeyPaths(len(a.desc.KeyPattern))
}

func (a *columnarAM) Validate(full bool) ([]string, error) { return a.store.Validate(full) }
func (a *columnarAM) Compact() error                       { return a.store.Compact() }
func (a *columnarAM) InitializeAsEmpty() error              { return a.store.InitAsEmpty() }

func (a *columnarAM) InitiateBulk() BulkBuilder {
	return &columnarBulkBuilder{am: a, bb: a.store.MakeBulkBuilder(true)}
}

type columnarBulkBuilder struct {
	am *columnarAM
	bb sdi.BulkBuilder
}

func (b *columnarBulkBuilder) Add(doc document.Document, recordID document.RecordId) error {
	for _, name := range doc.Root.Fields() {
		v, _ := doc.Root.Get(name)
		k, ok, err := b.am.fieldKey(name, v, recordID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.bb.AddKey(k, recordID.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (b *columnarBulkBuilder) Commit() (idxspec.MultikeyPaths, error) {
	return b.am.MultikeyPaths(), b.bb.Commit()
}
