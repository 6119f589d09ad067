package keyenc

import (
	"bytes"
	"hash/fnv"

	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
)

// getHashedKeys emits a single 64-bit hash per document per indexed field
// (spec §4.3): the hashed field is never multikey, because arrays are
// hashed as a single unit rather than unwrapped.
func getHashedKeys(doc document.Document, desc *idxspec.Descriptor, recordID document.RecordId, mode Mode) (Result, error) {
	mkp := idxspec.NewMultikeyPaths(len(desc.KeyPattern))
	recSuffix := recordID.Encode()

	var ord bytes.Buffer
	var tb bytes.Buffer
	for _, kp := range desc.KeyPattern {
		v, ok := doc.LookupSingle(kp.Path)
		if !ok {
			v = document.Value{Type: document.TypeNull}
		}
		h := hashValue(v)
		writeOrderedInt64(&ord, int64(h))
		encodeTypeBits(&tb, document.Value{Type: document.TypeLong, Int64: int64(h)})
	}
	ord.Write(recSuffix)

	return Result{
		Keys:          []Key{{Ordered: ord.Bytes(), TypeBits: tb.Bytes()}},
		MultikeyPaths: mkp,
	}, nil
}

// hashValue produces a deterministic 64-bit hash of v's type-bits
// encoding, so equal values (including equal arrays) hash identically.
func hashValue(v document.Value) uint64 {
	var buf bytes.Buffer
	encodeTypeBits(&buf, v)
	h := fnv.New64a()
	_, _ = h.Write(buf.Bytes())
	return h.Sum64()
}
