package mutation

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// ErrCodePersistence indicates the local log could not be read or written.
	ErrCodePersistence ErrorCode = "PERSISTENCE"

	// ErrCodeRetryable indicates a transient remote failure.
	ErrCodeRetryable ErrorCode = "REMOTE_RETRYABLE"

	// ErrCodePermanent indicates the remote will never accept the mutation.
	ErrCodePermanent ErrorCode = "REMOTE_PERMANENT"

	// ErrCodeBlocked indicates a referenced entity has no remote id yet.
	ErrCodeBlocked ErrorCode = "DEPENDENCY_BLOCKED"
)

// ErrPersistence matches any *PersistenceError via errors.Is.
var ErrPersistence = errors.New("mutation log persistence failure")

// ErrNotFound is returned when a record id does not exist in the log.
var ErrNotFound = errors.New("mutation record not found")

// PersistenceError wraps a storage failure of the mutation log.
// It is fatal to the enclosing local transaction.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCodePersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) true for any PersistenceError.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// NewPersistenceError wraps err. Returns nil when err is nil.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// RetryableRemoteError is a transient remote failure: network, timeout,
// 5xx or backpressure. It consumes retry budget.
type RetryableRemoteError struct {
	Reason string

	// RetryAfter is the remote's requested minimum delay, if any.
	RetryAfter time.Duration
}

func (e *RetryableRemoteError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", ErrCodeRetryable, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrCodeRetryable, e.Reason)
}

// PermanentRemoteError is a rejection the remote will never accept.
type PermanentRemoteError struct {
	Reason string
}

func (e *PermanentRemoteError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodePermanent, e.Reason)
}

// DependencyBlocked reports that a record references an entity that has no
// remote id yet. It is an expected, transient skip condition and never
// counts against the retry budget.
type DependencyBlocked struct {
	RecordID int64
	Missing  EntityRef
}

func (e *DependencyBlocked) Error() string {
	return fmt.Sprintf("%s: record %d waits for %s", ErrCodeBlocked, e.RecordID, e.Missing)
}

// IsBlocked reports whether err is a DependencyBlocked condition.
func IsBlocked(err error) bool {
	var db *DependencyBlocked
	return errors.As(err, &db)
}

// IsRetryable reports whether err is a RetryableRemoteError.
func IsRetryable(err error) bool {
	var re *RetryableRemoteError
	return errors.As(err, &re)
}

// IsPermanent reports whether err is a PermanentRemoteError.
func IsPermanent(err error) bool {
	var pe *PermanentRemoteError
	return errors.As(err, &pe)
}

// RetryAfter extracts the remote's requested delay from err, or zero.
func RetryAfter(err error) time.Duration {
	var re *RetryableRemoteError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
