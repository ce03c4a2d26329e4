package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTenantOrAppNotFound is returned when an operation addresses a
	// tenant or app the backend does not know.
	ErrTenantOrAppNotFound = errors.New("tenant or app not found")

	// ErrDeviceAlreadyExists is returned when a TOTP device name is taken.
	ErrDeviceAlreadyExists = errors.New("totp device already exists")

	// ErrUnknownDevice is returned when a TOTP device does not exist.
	ErrUnknownDevice = errors.New("unknown totp device")

	// ErrUnknownTOTPUser is returned when a used code is recorded for a user
	// without devices.
	ErrUnknownTOTPUser = errors.New("unknown totp user")

	// ErrTransactionClosed is returned when a *Tx is used after its
	// callback returned.
	ErrTransactionClosed = errors.New("transaction is closed")

	// ErrTransactionCommitted is returned when a *Tx is used after commit.
	ErrTransactionCommitted = errors.New("transaction is already committed")

	// ErrRetry may be returned from a transaction callback to request that
	// the retry helpers run the transaction again.
	ErrRetry = errors.New("transaction conflict, retry")

	// ErrNotConfigured is returned when a backend is used before InitStorage.
	ErrNotConfigured = errors.New("storage is not configured")
)

// QueryError is a transient infrastructure failure: I/O, timeouts,
// cancelled contexts. It is safe to retry at a higher level.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("storage query %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps err as a QueryError, or returns nil for a nil err.
func NewQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Op: op, Err: err}
}

// TransactionLogicError wraps a business-rule error raised inside a
// transaction callback. By the time it surfaces the transaction has been
// rolled back (or was committed before the error, if the callback chose to).
type TransactionLogicError struct {
	Err error
}

func (e *TransactionLogicError) Error() string {
	return e.Err.Error()
}

func (e *TransactionLogicError) Unwrap() error { return e.Err }

// DuplicateKeyError reports a uniqueness violation. Inside the transaction
// protocol it is a retry signal.
type DuplicateKeyError struct {
	Constraint string
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	if e.Constraint == "" {
		return "duplicate key"
	}
	return "duplicate key: " + e.Constraint
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// FatalError is a startup or configuration failure. The process must not
// start when one is returned.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// ErrorKind is the taxonomy an error belongs to.
type ErrorKind int

const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = iota
	// KindBusiness is a recipe-level outcome (unknown user, invalid code).
	KindBusiness
	// KindTransient is an infrastructure failure.
	KindTransient
	// KindConflict is a uniqueness race to be retried.
	KindConflict
	// KindFatal aborts startup.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBusiness:
		return "business"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Classify returns the kind of err.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return KindFatal
	}
	var dup *DuplicateKeyError
	if errors.As(err, &dup) || errors.Is(err, ErrRetry) {
		return KindConflict
	}
	var query *QueryError
	if errors.As(err, &query) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindBusiness
}

// CallbackError normalizes an error returned by a transaction callback so
// every backend reports callbacks the same way: conflicts, query errors
// and fatal errors pass through, context errors become QueryErrors, and
// anything else is wrapped in a TransactionLogicError.
func CallbackError(err error) error {
	switch Classify(err) {
	case KindNone:
		return nil
	case KindBusiness:
		var logic *TransactionLogicError
		if errors.As(err, &logic) {
			return err
		}
		return &TransactionLogicError{Err: err}
	case KindTransient:
		var query *QueryError
		if errors.As(err, &query) {
			return err
		}
		return &QueryError{Op: "transaction", Err: err}
	default:
		return err
	}
}
