package am

import (
	"strings"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/sdi"
)

// textAM is a full-text index: every indexed string field is tokenized
// into lower-cased terms and one key is emitted per distinct term, the
// same "one entry per token" shape MongoDB's text index uses. It is
// always multikey on its text paths, since a single document routinely
// produces many terms.
type textAM struct {
	desc  *idxspec.Descriptor
	store sdi.Interface
	mkp   idxspec.MultikeyPaths
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func (a *textAM) terms(doc document.Document) []string {
	var terms []string
	for _, kp := range a.desc.KeyPattern {
		v, ok := doc.LookupSingle(kp.Path)
		if !ok || v.Type != document.TypeString {
			continue
		}
		terms = append(terms, tokenize(v.Str)...)
	}
	return terms
}

func termKey(term string, recordID document.RecordId) keyenc.Key {
	ord := append([]byte(term), 0x00, 0x00)
	ord = append(ord, recordID.Encode()...)
	return keyenc.Key{Ordered: ord, TypeBits: []byte(term)}
}

func (a *textAM) Insert(doc document.Document, recordID document.RecordId) (int, error) {
	terms := a.terms(doc)
	if len(terms) == 0 {
		return 0, nil
	}
	if a.mkp.Components == nil {
		a.mkp = idxspec.NewMultikeyPaths(len(a.desc.KeyPattern))
	}
	for i := range a.desc.KeyPattern {
		a.mkp.Components[i][0] = true
	}
	for _, t := range terms {
		if err := a.store.Insert(termKey(t, recordID), recordID.Encode(), true); err != nil {
			return 0, err
		}
	}
	return len(terms), nil
}

func (a *textAM) Remove(doc document.Document, recordID document.RecordId) error {
	for _, t := range a.terms(doc) {
		if err := a.store.Unindex(termKey(t, recordID), recordID.Encode(), true); err != nil {
			return err
		}
	}
	return nil
}

func (a *textAM) Update(oldDoc, newDoc document.Document, recordID document.RecordId) error {
	if err := a.Remove(oldDoc, recordID); err != nil {
		return err
	}
	_, err := a.Insert(newDoc, recordID)
	return err
}

func (a *textAM) MultikeyPaths() idxspec.MultikeyPaths {
	if a.mkp.Components == nil {
		return idxspec.NewMultikeyPaths(len(a.desc.KeyPattern))
	}
	return a.mkp
}

func (a *textAM) Validate(full bool) ([]string, error) { return a.store.Validate(full) }
func (a *textAM) Compact() error                       { return a.store.Compact() }
func (a *textAM) InitializeAsEmpty() error              { return a.store.InitAsEmpty() }

func (a *textAM) InitiateBulk() BulkBuilder {
	return &textBulkBuilder{am: a, bb: a.store.MakeBulkBuilder(true)}
}

type textBulkBuilder struct {
	am *textAM
	bb sdi.BulkBuilder
}

func (b *textBulkBuilder) Add(doc document.Document, recordID document.RecordId) error {
	terms := b.am.terms(doc)
	if len(terms) == 0 {
		return nil
	}
	if b.am.mkp.Components == nil {
		b.am.mkp = idxspec.NewMultikeyPaths(len(b.am.desc.KeyPattern))
	}
	for i := range b.am.desc.KeyPattern {
		b.am.mkp.Components[i][0] = true
	}
	for _, t := range terms {
		if err := b.bb.AddKey(termKey(t, recordID), recordID.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (b *textBulkBuilder) Commit() (idxspec.MultikeyPaths, error) {
	return b.am.MultikeyPaths(), b.bb.Commit()
}
