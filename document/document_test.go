package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectSetPreservesInsertionOrder(t *testing.T) {
	o := NewObject()
	o.Set("z", Value{Type: TypeInt, Int64: 1})
	o.Set("a", Value{Type: TypeInt, Int64: 2})
	o.Set("z", Value{Type: TypeInt, Int64: 3}) // overwrite must not move position
	assert.Equal(t, []string{"z", "a"}, o.Fields())
	v, ok := o.Get("z")
	require.True(t, ok)
	assert.EqualValues(t, 3, v.Int64)
}

func TestLookupExpandsArrayElements(t *testing.T) {
	root := NewObject()
	arr := Value{Type: TypeArray, Arr: []Value{
		{Type: TypeObject, Obj: objWith("x", Value{Type: TypeInt, Int64: 1})},
		{Type: TypeObject, Obj: objWith("x", Value{Type: TypeInt, Int64: 2})},
	}}
	root.Set("items", arr)
	doc := Document{Root: root}

	vals, hops := doc.Lookup([]string{"items", "x"})
	require.Len(t, vals, 2)
	assert.EqualValues(t, 1, vals[0].Int64)
	assert.EqualValues(t, 2, vals[1].Int64)
	assert.True(t, hops[0])
}

func TestLookupSingleTreatsArrayAsOneValue(t *testing.T) {
	root := NewObject()
	root.Set("tags", Value{Type: TypeArray, Arr: []Value{
		{Type: TypeString, Str: "a"},
		{Type: TypeString, Str: "b"},
	}})
	doc := Document{Root: root}

	v, ok := doc.LookupSingle([]string{"tags"})
	require.True(t, ok)
	assert.Equal(t, TypeArray, v.Type)
	assert.Len(t, v.Arr, 2)
}

func TestLookupMissingPathReturnsNothing(t *testing.T) {
	doc := New()
	vals, hops := doc.Lookup([]string{"absent", "deeper"})
	assert.Nil(t, vals)
	assert.Empty(t, hops)
}

func TestRecordIdEncodePreservesLongOrdering(t *testing.T) {
	ids := []int64{-100, -1, 0, 1, 100, 1 << 40}
	var prev []byte
	for i, v := range ids {
		enc := LongRecordId(v).Encode()
		require.Len(t, enc, 8)
		if i > 0 {
			assert.True(t, string(prev) < string(enc), "encode(%d) must sort before encode(%d)", ids[i-1], v)
		}
		prev = enc
	}
}

func TestRecordIdCompare(t *testing.T) {
	a := LongRecordId(5)
	b := LongRecordId(9)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(LongRecordId(5)))

	s1 := StringRecordId([]byte("abc"))
	s2 := StringRecordId([]byte("abd"))
	assert.Equal(t, -1, s1.Compare(s2))
}

func TestRecordIdComparePanicsOnFormatMismatch(t *testing.T) {
	assert.Panics(t, func() {
		LongRecordId(1).Compare(StringRecordId([]byte("x")))
	})
}

func objWith(field string, v Value) *Object {
	o := NewObject()
	o.Set(field, v)
	return o
}
