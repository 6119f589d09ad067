// Package keyenc is the Key Encoder (spec §4.1): it turns a document plus
// an IndexDescriptor into zero or more ordered keys with attached type
// bits, following the byte-layout conventions the teacher repo uses for
// its own composite keys (common/dbutils/bucket.go's documented
// "[acc_hash]+[inc]+[storage_hash]" concatenation scheme and
// dbutils.EncodeBlockNumber's big-endian, order-preserving integer
// encoding).
package keyenc

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
)

// Mode distinguishes an insert-time encode from a remove-time encode.
// Removing mode never reports new multikey paths, since they will not be
// committed (spec §4.1).
type Mode int

const (
	Adding Mode = iota
	Removing
)

// Enforcement selects how GetKeys reacts to a per-document encoding
// failure (spec §4.1).
type Enforcement int

const (
	Strict Enforcement = iota
	RelaxedUnfiltered
	RelaxedWithCallback
)

// Key is one emitted index entry: ordering bytes for sort position plus
// type bits sufficient to recover the original typed value. Ordering bytes
// are a pure comparison artifact and are never decoded back to a value;
// TypeBits is the sole source of original-type identity (spec §9).
type Key struct {
	Ordered  []byte
	TypeBits []byte
}

// Result is the outcome of encoding one document against one descriptor.
type Result struct {
	Keys          []Key
	MultikeyPaths idxspec.MultikeyPaths
	MetadataKeys  []Key // wildcard multikey-metadata keys (empty-array/missing-array markers)
	Skipped       bool  // true if suppressed under a relaxed enforcement mode
}

const (
	classMinKey = 0x10
	classNull   = 0x20
	classNaN    = 0x30
	classNumber = 0x40
	classFalse  = 0x50
	classTrue   = 0x51
	classDate   = 0x60
	classString = 0x70
	classBinary = 0x80
	classObject = 0x90
	classArray  = 0xA0
	classMaxKey = 0xF0
)

// GetKeys encodes doc against descriptor, honoring sparsity, the partial
// filter, and the requested enforcement policy.
func GetKeys(doc document.Document, desc *idxspec.Descriptor, recordID document.RecordId, mode Mode, enforcement Enforcement, callback func(document.Document) bool) (Result, error) {
	if desc.PartialFilter != nil && !desc.PartialFilter.Eval(doc) {
		return Result{MultikeyPaths: idxspec.NewMultikeyPaths(len(desc.KeyPattern))}, nil
	}

	switch desc.Kind {
	case idxspec.Wildcard:
		return getWildcardKeys(doc, desc, recordID, mode)
	case idxspec.Hashed:
		return getHashedKeys(doc, desc, recordID, mode)
	default:
		res, err := getOrderedKeys(doc, desc, recordID, mode)
		if err != nil {
			suppressed := false
			switch enforcement {
			case Strict:
				return Result{}, err
			case RelaxedUnfiltered:
				suppressed = desc.PartialFilter == nil || !desc.PartialFilter.Eval(doc)
			case RelaxedWithCallback:
				suppressed = callback != nil && callback(doc)
			}
			if suppressed {
				return Result{Skipped: true, MultikeyPaths: idxspec.NewMultikeyPaths(len(desc.KeyPattern))}, nil
			}
			return Result{}, err
		}
		return res, nil
	}
}

// fieldValues is one key-pattern path resolved against a document, along
// with whether it traversed an array (and at which path component).
type fieldValues struct {
	values    []document.Value
	arrayHops map[int]bool
}

func getOrderedKeys(doc document.Document, desc *idxspec.Descriptor, recordID document.RecordId, mode Mode) (Result, error) {
	mkp := idxspec.NewMultikeyPaths(len(desc.KeyPattern))
	fields := make([]fieldValues, len(desc.KeyPattern))
	present := false
	arrayFieldCount := 0

	for i, kp := range desc.KeyPattern {
		vals, hops := doc.Lookup(kp.Path)
		if len(vals) == 0 {
			vals = []document.Value{{Type: document.TypeNull}}
		} else {
			present = true
		}
		fields[i] = fieldValues{values: vals, arrayHops: hops}
		if len(hops) > 0 || len(vals) > 1 {
			arrayFieldCount++
			if mode == Adding {
				for h := range hops {
					mkp.Components[i][h] = true
				}
			}
		}
	}

	if arrayFieldCount > 1 {
		return Result{}, collidxerr.New(collidxerr.CannotIndexParallelArrays,
			"index %q: document produces keys from more than one array field", desc.Name)
	}

	if desc.Sparse && !present {
		return Result{MultikeyPaths: mkp}, nil
	}

	combos := cartesian(fields)
	recSuffix := recordID.Encode()
	keys := make([]Key, 0, len(combos))
	for _, combo := range combos {
		var ord bytes.Buffer
		var tb bytes.Buffer
		for i, v := range combo {
			encodeOrdering(&ord, v, desc.KeyPattern[i].Direction, desc.Collation)
			encodeTypeBits(&tb, v)
		}
		ord.Write(recSuffix)
		keys = append(keys, Key{Ordered: ord.Bytes(), TypeBits: tb.Bytes()})
	}

	return Result{Keys: keys, MultikeyPaths: mkp}, nil
}

func cartesian(fields []fieldValues) [][]document.Value {
	if len(fields) == 0 {
		return nil
	}
	result := [][]document.Value{{}}
	for _, f := range fields {
		var next [][]document.Value
		for _, prefix := range result {
			for _, v := range f.values {
				combo := make([]document.Value, len(prefix)+1)
				copy(combo, prefix)
				combo[len(prefix)] = v
				next = append(next, combo)
			}
		}
		result = next
	}
	return result
}

// encodeOrdering appends the order-preserving encoding of v to buf,
// inverting every byte when dir is Descending so comparison order
// reverses (spec §4.1 "OrderedKey... lexicographic comparison equals the
// index's semantic order under its key pattern, direction flags").
func encodeOrdering(buf *bytes.Buffer, v document.Value, dir idxspec.Direction, collation *idxspec.Collation) {
	start := buf.Len()
	switch v.Type {
	case document.TypeMinKey:
		buf.WriteByte(classMinKey)
	case document.TypeMaxKey:
		buf.WriteByte(classMaxKey)
	case document.TypeNull:
		buf.WriteByte(classNull)
	case document.TypeBool:
		if v.Bool {
			buf.WriteByte(classTrue)
		} else {
			buf.WriteByte(classFalse)
		}
	case document.TypeInt, document.TypeLong, document.TypeDouble, document.TypeDecimal:
		f := numericFloat(v)
		if math.IsNaN(f) {
			buf.WriteByte(classNaN)
		} else {
			buf.WriteByte(classNumber)
			writeOrderedFloat(buf, f)
		}
	case document.TypeDate:
		buf.WriteByte(classDate)
		writeOrderedInt64(buf, v.Int64)
	case document.TypeString:
		buf.WriteByte(classString)
		s := v.Str
		if collation != nil && collation.SortKey != nil {
			writeEscaped(buf, collation.SortKey(s))
		} else {
			writeEscaped(buf, []byte(s))
		}
	case document.TypeBinary:
		buf.WriteByte(classBinary)
		writeEscaped(buf, v.Bin)
	case document.TypeObject:
		buf.WriteByte(classObject)
		if v.Obj != nil {
			for _, f := range v.Obj.Fields() {
				fv, _ := v.Obj.Get(f)
				writeEscaped(buf, []byte(f))
				encodeOrdering(buf, fv, idxspec.Ascending, collation)
			}
		}
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
	case document.TypeArray:
		buf.WriteByte(classArray)
		for _, e := range v.Arr {
			encodeOrdering(buf, e, idxspec.Ascending, collation)
		}
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
	}
	if dir == idxspec.Descending {
		invert(buf.Bytes()[start:])
	}
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// writeOrderedFloat is the standard order-preserving IEEE-754 transform:
// flip the sign bit for non-negative values, invert every bit for
// negative ones, so unsigned big-endian comparison matches float order.
func writeOrderedFloat(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	buf.Write(tmp[:])
}

func writeOrderedInt64(buf *bytes.Buffer, v int64) {
	u := uint64(v) ^ (1 << 63)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	buf.Write(tmp[:])
}

// writeEscaped writes b with every 0x00 doubled as 0x00 0xFF, then a
// 0x00 0x00 terminator, so concatenated variable-length fields remain
// prefix-free (no value's encoding is a prefix of another's).
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

func numericFloat(v document.Value) float64 {
	switch v.Type {
	case document.TypeInt, document.TypeLong:
		return float64(v.Int64)
	case document.TypeDouble:
		return v.Double
	case document.TypeDecimal:
		return v.Dec.Float()
	default:
		return 0
	}
}

// encodeTypeBits appends a self-describing, exact encoding of v: the sole
// source of original-type identity (spec §9), consulted independently of
// the ordering bytes.
func encodeTypeBits(buf *bytes.Buffer, v document.Value) {
	buf.WriteByte(byte(v.Type))
	switch v.Type {
	case document.TypeBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case document.TypeInt, document.TypeLong, document.TypeDate:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Int64))
		buf.Write(tmp[:])
	case document.TypeDouble:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.Double))
		buf.Write(tmp[:])
	case document.TypeDecimal:
		var tmp [12]byte
		binary.BigEndian.PutUint64(tmp[:8], uint64(v.Dec.Mantissa))
		binary.BigEndian.PutUint32(tmp[8:], uint32(v.Dec.Exp))
		buf.Write(tmp[:])
	case document.TypeString:
		writeLenPrefixed(buf, []byte(v.Str))
	case document.TypeBinary:
		writeLenPrefixed(buf, v.Bin)
	case document.TypeObject:
		if v.Obj == nil {
			binary.Write(buf, binary.BigEndian, uint32(0))
			return
		}
		fields := v.Obj.Fields()
		binary.Write(buf, binary.BigEndian, uint32(len(fields)))
		for _, f := range fields {
			writeLenPrefixed(buf, []byte(f))
			fv, _ := v.Obj.Get(f)
			encodeTypeBits(buf, fv)
		}
	case document.TypeArray:
		binary.Write(buf, binary.BigEndian, uint32(len(v.Arr)))
		for _, e := range v.Arr {
			encodeTypeBits(buf, e)
		}
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

// DecodeTypeBits reconstructs the original per-field Values from a
// TypeBits blob produced by encodeTypeBits, consuming exactly numFields
// top-level values (spec §8 round-trip property).
func DecodeTypeBits(tb []byte, numFields int) ([]document.Value, error) {
	r := bytes.NewReader(tb)
	out := make([]document.Value, 0, numFields)
	for i := 0; i < numFields; i++ {
		v, err := decodeOneTypeBits(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeOneTypeBits(r *bytes.Reader) (document.Value, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return document.Value{}, err
	}
	t := document.Type(typeByte)
	switch t {
	case document.TypeNull, document.TypeMinKey, document.TypeMaxKey:
		return document.Value{Type: t}, nil
	case document.TypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Bool: b == 1}, nil
	case document.TypeInt, document.TypeLong, document.TypeDate:
		var tmp [8]byte
		if _, err := r.Read(tmp[:]); err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Int64: int64(binary.BigEndian.Uint64(tmp[:]))}, nil
	case document.TypeDouble:
		var tmp [8]byte
		if _, err := r.Read(tmp[:]); err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Double: math.Float64frombits(binary.BigEndian.Uint64(tmp[:]))}, nil
	case document.TypeDecimal:
		var tmp [12]byte
		if _, err := r.Read(tmp[:]); err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Dec: document.Decimal{
			Mantissa: int64(binary.BigEndian.Uint64(tmp[:8])),
			Exp:      int32(binary.BigEndian.Uint32(tmp[8:])),
		}}, nil
	case document.TypeString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Str: string(b)}, nil
	case document.TypeBinary:
		b, err := readLenPrefixed(r)
		if err != nil {
			return document.Value{}, err
		}
		return document.Value{Type: t, Bin: b}, nil
	case document.TypeObject:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return document.Value{}, err
		}
		obj := document.NewObject()
		for i := uint32(0); i < n; i++ {
			name, err := readLenPrefixed(r)
			if err != nil {
				return document.Value{}, err
			}
			fv, err := decodeOneTypeBits(r)
			if err != nil {
				return document.Value{}, err
			}
			obj.Set(string(name), fv)
		}
		return document.Value{Type: t, Obj: obj}, nil
	case document.TypeArray:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return document.Value{}, err
		}
		arr := make([]document.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			ev, err := decodeOneTypeBits(r)
			if err != nil {
				return document.Value{}, err
			}
			arr = append(arr, ev)
		}
		return document.Value{Type: t, Arr: arr}, nil
	default:
		return document.Value{}, collidxerr.New(collidxerr.DataCorruptionDetected, "unknown type tag %d in type bits", typeByte)
	}
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// CompareWithTypeBits orders two encoded Keys the way the bulk-builder's
// debug invariant requires (spec §4.6): ordering bytes decide, type bits
// never affect comparison.
func CompareWithTypeBits(a, b Key) int {
	return bytes.Compare(a.Ordered, b.Ordered)
}

// NumericEquivalent reports whether two values are numerically equal
// regardless of Int/Long/Double/Decimal subtype (spec §4.1).
func NumericEquivalent(a, b document.Value) bool {
	return numericFloat(a) == numericFloat(b)
}
