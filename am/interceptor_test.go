package am

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/collidx/document"
)

func TestInterceptorDrainReplaysOpsInOrder(t *testing.T) {
	a := newOrderedAM(t, false)
	ic := NewInterceptor()

	ic.RecordInsert(docWithInt(1), document.LongRecordId(1))
	ic.RecordInsert(docWithInt(2), document.LongRecordId(2))
	ic.RecordUpdate(docWithInt(2), docWithInt(3), document.LongRecordId(2))
	ic.RecordRemove(docWithInt(1), document.LongRecordId(1))

	assert.Equal(t, 4, ic.Pending())

	n, err := ic.Drain(a)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, ic.Pending())

	ka := a.(*keyencAM)
	remaining, err := ka.store.NumEntries()
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining, "only the updated record (value 3) should survive")
}

func TestInterceptorDrainIsEmptyAfterSecondCall(t *testing.T) {
	a := newOrderedAM(t, false)
	ic := NewInterceptor()
	ic.RecordInsert(docWithInt(1), document.LongRecordId(1))

	_, err := ic.Drain(a)
	require.NoError(t, err)

	n, err := ic.Drain(a)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInterceptorDrainStopsOnFirstError(t *testing.T) {
	a := newOrderedAM(t, true)
	ic := NewInterceptor()
	ic.RecordInsert(docWithInt(1), document.LongRecordId(1))
	ic.RecordInsert(docWithInt(1), document.LongRecordId(2))
	ic.RecordInsert(docWithInt(2), document.LongRecordId(3))

	_, err := ic.Drain(a)
	require.Error(t, err, "the duplicate key for the unique index must abort the drain")
}
