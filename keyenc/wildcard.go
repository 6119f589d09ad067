package keyenc

import (
	"bytes"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
)

// getWildcardKeys expands every path reachable from the descriptor's
// projected subtree (spec §4.3/§4.1): each emitted key carries the dotted
// path as an explicit leading component so distinct paths sort disjointly,
// and empty-array observations are reported as metadata keys.
func getWildcardKeys(doc document.Document, desc *idxspec.Descriptor, recordID document.RecordId, mode Mode) (Result, error) {
	mkp := idxspec.NewMultikeyPaths(1)
	recSuffix := recordID.Encode()

	var keys []Key
	var metaKeys []Key

	var walk func(path string, v document.Value, inArray bool)
	walk = func(path string, v document.Value, inArray bool) {
		if !projectionIncludes(desc.Projection, path) {
			return
		}
		switch v.Type {
		case document.TypeObject:
			if v.Obj == nil {
				return
			}
			for _, f := range v.Obj.Fields() {
				fv, _ := v.Obj.Get(f)
				child := f
				if path != "" {
					child = path + "." + f
				}
				walk(child, fv, false)
			}
		case document.TypeArray:
			if len(v.Arr) == 0 {
				var ord bytes.Buffer
				writeEscaped(&ord, []byte(path))
				ord.WriteByte(classNull)
				ord.Write(recSuffix)
				metaKeys = append(metaKeys, Key{Ordered: ord.Bytes()})
				return
			}
			if mode == Adding {
				mkp.Components[0][len(path)] = true
			}
			for _, e := range v.Arr {
				walk(path, e, true)
			}
		default:
			var ord bytes.Buffer
			var tb bytes.Buffer
			writeEscaped(&ord, []byte(path))
			encodeOrdering(&ord, v, idxspec.Ascending, desc.Collation)
			ord.Write(recSuffix)
			encodeTypeBits(&tb, v)
			keys = append(keys, Key{Ordered: ord.Bytes(), TypeBits: tb.Bytes()})
		}
	}

	walk("", document.Value{Type: document.TypeObject, Obj: doc.Root}, false)

	return Result{Keys: keys, MetadataKeys: metaKeys, MultikeyPaths: mkp}, nil
}

// projectionIncludes reports whether path should be indexed under proj.
// proj == nil means "index everything". Exclusion projections index every
// path except those named.
func projectionIncludes(proj *idxspec.Projection, path string) bool {
	if proj == nil || len(proj.Normalized) == 0 {
		return true
	}
	for _, p := range proj.Normalized {
		if p == path || hasDottedPrefix(path, p) || hasDottedPrefix(p, path) {
			if proj.Exclusion {
				return !(p == path || hasDottedPrefix(path, p))
			}
			return true
		}
	}
	if proj.Exclusion {
		return true
	}
	return false
}

func hasDottedPrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	if s[:len(prefix)] != prefix {
		return false
	}
	return len(s) == len(prefix) || s[len(prefix)] == '.'
}
