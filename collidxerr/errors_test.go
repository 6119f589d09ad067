package collidxerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(IndexNotFound, "no index named %q", "by_a")
	wrapped := Wrap(CannotCreateIndex, base, "creating index failed")

	assert.True(t, Is(wrapped, CannotCreateIndex))
	assert.True(t, errors.Is(wrapped, wrapped))
	assert.False(t, Is(wrapped, IndexNotFound), "Is checks the outer Kind, not an inner wrapped Error's Kind")
}

func TestErrorMessageFormatting(t *testing.T) {
	err := New(BadValue, "field %s must be numeric", "age")
	assert.Equal(t, "BadValue: field age must be numeric", err.Error())

	bare := &Error{Kind: Interrupted}
	assert.Equal(t, "Interrupted", bare.Error())
}

func TestDuplicateKeyRoundTrip(t *testing.T) {
	err := NewDuplicateKey("by_email", []string{"email"}, []interface{}{"a@example.com"}, "RecordId(7)", "")
	require.True(t, Is(err, DuplicateKeyKind))

	d, ok := AsDuplicateKey(err)
	require.True(t, ok)
	assert.Equal(t, "by_email", d.IndexName)
	assert.Equal(t, []interface{}{"a@example.com"}, d.KeyValues)
}

func TestWriteConflictRetryStopsOnOtherErrors(t *testing.T) {
	attempts := 0
	err := WriteConflictRetry(5, func() error {
		attempts++
		return New(BadValue, "not a write conflict")
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, Is(err, BadValue))
}

func TestWriteConflictRetrySucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := WriteConflictRetry(5, func() error {
		attempts++
		if attempts < 3 {
			return New(WriteConflict, "retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWriteConflictRetryExhausted(t *testing.T) {
	attempts := 0
	err := WriteConflictRetry(3, func() error {
		attempts++
		return New(WriteConflict, "always conflicts")
	})
	assert.Equal(t, 3, attempts)
	assert.True(t, Is(err, WriteConflict))
}
