package deltaerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrObjectExists is returned by a put-if-absent write when the target object
// is already present.
var ErrObjectExists = errors.New("storage: object already exists")

// ErrFileNotFound is returned when a requested object does not exist.
var ErrFileNotFound = errors.New("storage: file not found")

// ErrVersionExists is returned by a commit attempt when the version slot has
// already been claimed by another writer.
var ErrVersionExists = errors.New("logstore: version already exists")

// ErrTransactionAlreadyCommitted signals that the same (appID, version)
// transaction tag was committed by a concurrent winner. The losing commit is
// treated as a no-op success, not a conflict.
var ErrTransactionAlreadyCommitted = errors.New("txn: transaction already committed by a concurrent writer")

// TransactionAlreadyCommittedError identifies the winning commit that
// carried the loser's transaction tag. Matches ErrTransactionAlreadyCommitted
// under errors.Is.
type TransactionAlreadyCommittedError struct {
	AppID          string
	WinningVersion int64
}

func (e *TransactionAlreadyCommittedError) Error() string {
	return fmt.Sprintf("transaction for app %q already committed at version %d", e.AppID, e.WinningVersion)
}

func (e *TransactionAlreadyCommittedError) Unwrap() error {
	return ErrTransactionAlreadyCommitted
}

// CommitConflictError indicates that a concurrent winner's committed change
// overlaps the losing transaction's read footprint or intent.
type CommitConflictError struct {
	Rule           string
	WinningVersion int64
	Detail         string
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict (%s) with winning version %d: %s", e.Rule, e.WinningVersion, e.Detail)
}

// InvariantViolationError indicates a programmer or data error that must
// never be retried.
type InvariantViolationError struct {
	Check  string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Check, e.Detail)
}

// CorruptLogError indicates that snapshot reconstruction exhausted its
// checkpoint fallback budget or found a hole in the version sequence.
type CorruptLogError struct {
	Version  int64
	Attempts int
	Err      error
}

func (e *CorruptLogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt log at version %d after %d attempts: %v", e.Version, e.Attempts, e.Err)
	}
	return fmt.Sprintf("corrupt log at version %d after %d attempts", e.Version, e.Attempts)
}

func (e *CorruptLogError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError indicates that an incrementally-maintained checksum
// disagrees with the state recomputed by full replay.
type ChecksumMismatchError struct {
	Version int64
	Field   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch at version %d: field %s", e.Version, e.Field)
}

// CoordinatorUnavailableError wraps an I/O-level failure talking to the
// commit coordinator. The attempt is fatal; the caller may retry the whole
// operation later.
type CoordinatorUnavailableError struct {
	Op  string
	Err error
}

func (e *CoordinatorUnavailableError) Error() string {
	return fmt.Sprintf("commit coordinator unavailable during %s: %v", e.Op, e.Err)
}

func (e *CoordinatorUnavailableError) Unwrap() error {
	return e.Err
}

// FeatureLifecycleBlockedError indicates that a drop-feature operation must
// wait (typically for log retention to advance) and should be invoked again
// later. It is distinguished from hard failure.
type FeatureLifecycleBlockedError struct {
	Feature    string
	RetryAfter time.Duration
	Reason     string
}

func (e *FeatureLifecycleBlockedError) Error() string {
	return fmt.Sprintf("drop feature %s blocked: %s (retry after %s)", e.Feature, e.Reason, e.RetryAfter)
}
