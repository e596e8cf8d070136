package types

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrUnknownMetric is reported when a name is not registered.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrMetricDisabled is reported when a metric is registered but disabled.
	ErrMetricDisabled = errors.New("metric disabled")
	// ErrEmptyInput is returned by statistics functions on zero samples.
	ErrEmptyInput = errors.New("empty input")
	// ErrStoreWriteFailed matches store write failures.
	ErrStoreWriteFailed = errors.New("store write failed")
	// ErrStoreReadFailed matches store read failures.
	ErrStoreReadFailed = errors.New("store read failed")
	// ErrServiceStopped is returned by ingestion after shutdown began.
	ErrServiceStopped = errors.New("service stopped")
	// ErrDuplicateMetric is returned when registering an existing name.
	ErrDuplicateMetric = errors.New("duplicate metric")
	// ErrNotFound is returned by registry lookups of unknown names.
	ErrNotFound = errors.New("not found")
	// ErrInvalidDefinition wraps definition validation failures.
	ErrInvalidDefinition = errors.New("invalid metric definition")
	// ErrInvalidQuery wraps malformed queries.
	ErrInvalidQuery = errors.New("invalid query")
)

// StoreOp identifies the kind of store operation that failed.
type StoreOp string

// Store operations.
const (
	OpAppend StoreOp = "append"
	OpPut    StoreOp = "put"
	OpQuery  StoreOp = "query"
	OpDelete StoreOp = "delete"
)

// StoreError describes a failed store operation.
//
// It matches ErrStoreReadFailed for queries and ErrStoreWriteFailed for
// every other operation.
type StoreError struct {
	Op     StoreOp
	Metric string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Metric, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is implements errors.Is matching against the store sentinels.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrStoreReadFailed:
		return e.Op == OpQuery
	case ErrStoreWriteFailed:
		return e.Op != OpQuery
	}
	return false
}

// NewStoreError wraps err, returning nil for a nil err.
func NewStoreError(op StoreOp, metric string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Metric: metric, Err: err}
}
