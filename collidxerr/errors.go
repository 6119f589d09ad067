// Package collidxerr defines the error taxonomy of spec §7: named error
// kinds that callers can test for with errors.Is/errors.As, each wrapping
// enough structured detail to be surfaced to a user or a replication peer.
package collidxerr

import (
	"errors"
	"fmt"
)

// Kind is one of the named error categories from spec §7.
type Kind string

const (
	// Validation
	InvalidOptions             Kind = "InvalidOptions"
	TypeMismatch               Kind = "TypeMismatch"
	AmbiguousIndexKeyPattern   Kind = "AmbiguousIndexKeyPattern"
	IndexNotFound              Kind = "IndexNotFound"
	CannotCreateIndex          Kind = "CannotCreateIndex"
	CannotIndexParallelArrays  Kind = "CannotIndexParallelArrays"

	// Conflict
	IndexBuildAlreadyInProgress Kind = "IndexBuildAlreadyInProgress"
	IndexBuildAborted           Kind = "IndexBuildAborted"
	IndexAlreadyExists          Kind = "IndexAlreadyExists"
	IndexOptionsConflict        Kind = "IndexOptionsConflict"
	IndexKeySpecsConflict       Kind = "IndexKeySpecsConflict"
	DuplicateKeyKind            Kind = "DuplicateKey"

	// Lifecycle
	NamespaceNotFound                      Kind = "NamespaceNotFound"
	CommandNotSupportedOnView              Kind = "CommandNotSupportedOnView"
	NotWritablePrimary                     Kind = "NotWritablePrimary"
	BackgroundOperationInProgressForNamespace Kind = "BackgroundOperationInProgressForNamespace"
	BackgroundOperationInProgressForDatabase  Kind = "BackgroundOperationInProgressForDatabase"
	MovePrimaryInProgress                  Kind = "MovePrimaryInProgress"

	// Infrastructure
	WriteConflict          Kind = "WriteConflict"
	DataCorruptionDetected Kind = "DataCorruptionDetected"
	Interrupted            Kind = "Interrupted"
	InterruptedAtShutdown  Kind = "InterruptedAtShutdown"

	BadValue Kind = "BadValue"
)

// Error is the structured error every exported operation in this module
// returns for a recognized failure kind.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// Is reports whether the first collidxerr.Error found in err's chain (err
// itself or something it wraps) has the given Kind; an Error further down
// the chain is not considered.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// DuplicateKeyError carries the rehydrated offending key, as required by
// spec §7: "DuplicateKey at insert time produces a structured error
// containing the rehydrated offending key ... offending record id, the
// index name, and the collation that was applied."
type DuplicateKeyError struct {
	IndexName   string
	KeyPattern  []string
	KeyValues   []interface{}
	RecordID    string
	Collation   string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("E11000 duplicate key error index: %s dup key: %v", e.IndexName, e.KeyValues)
}

func NewDuplicateKey(indexName string, keyPattern []string, keyValues []interface{}, recordID string, collation string) *Error {
	return &Error{
		Kind:    DuplicateKeyKind,
		Message: (&DuplicateKeyError{IndexName: indexName, KeyPattern: keyPattern, KeyValues: keyValues, RecordID: recordID, Collation: collation}).Error(),
		Wrapped: &DuplicateKeyError{IndexName: indexName, KeyPattern: keyPattern, KeyValues: keyValues, RecordID: recordID, Collation: collation},
	}
}

// AsDuplicateKey extracts the rehydrated detail from err, if it is (or
// wraps) a DuplicateKeyError.
func AsDuplicateKey(err error) (*DuplicateKeyError, bool) {
	var d *DuplicateKeyError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// WriteConflictRetry retries fn while it returns a WriteConflict error, up
// to maxAttempts times, the same writeConflictRetry loop spec §7 requires
// at every storage-engine-touching command boundary. No other error kind
// is retried here.
func WriteConflictRetry(maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !Is(err, WriteConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
