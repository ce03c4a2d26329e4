package storage

import (
	"context"
	"sync/atomic"

	"github.com/rhuss/authcore/pkg/config"
)

// Type tags a backend family so shared maintenance code can special-case
// SQL-only operations.
type Type int

const (
	// TypeSQL is a relational backend with transactions.
	TypeSQL Type = iota
	// TypeNoSQL1 is a key-value backend with compare-and-set primitives.
	TypeNoSQL1
)

func (t Type) String() string {
	if t == TypeNoSQL1 {
		return "NOSQL_1"
	}
	return "SQL"
}

// Backend is the lifecycle every storage implementation provides.
//
// The layer calls Construct and LoadConfig exactly once per handle, then
// InitStorage. CanBeUsed may be called before LoadConfig to check whether
// the configuration carries what the backend needs.
type Backend interface {
	// Name returns the registry name of the implementation.
	Name() string

	// Type returns the backend family.
	Type() Type

	Construct(processID string, silent bool)
	LoadConfig(cfg config.StorageConfig) error
	CanBeUsed(cfg config.StorageConfig) bool

	// ConnectionPoolID identifies the physical database the handle talks
	// to. Tenants whose handles report the same id share a single handle.
	ConnectionPoolID() string

	// UserPoolID identifies the user pool; tenants on the same physical
	// database share users.
	UserPoolID() string

	// InitStorage opens connections and applies migrations.
	InitStorage(ctx context.Context) error

	InitFileLogging(infoPath, errorPath string) error
	StopLogging()

	// IsReady reports whether the backend can serve requests.
	IsReady(ctx context.Context) error

	Close() error
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx *Tx) error

// Transactional is implemented by backends that support the transaction
// protocol.
//
// StartTransaction opens a transaction and invokes fn. If fn returns an
// error the transaction is rolled back. Writes are durable only if fn calls
// CommitTransaction; anything left uncommitted when fn returns is rolled
// back. Nested calls are not supported.
type Transactional interface {
	StartTransaction(ctx context.Context, fn TxFunc) error
	CommitTransaction(ctx context.Context, tx *Tx) error
}

// SQLStorage is a relational backend.
type SQLStorage interface {
	Backend
	Transactional
}

// Tx is the opaque transaction context passed to Tx-suffixed operations.
// It is valid only while the StartTransaction callback that received it
// runs.
type Tx struct {
	backend   string
	handle    any
	committed atomic.Bool
	closed    atomic.Bool
}

// NewTx wraps a backend-specific transaction handle. Backends call this in
// StartTransaction and must call Close once the callback returns.
func NewTx(backend string, handle any) *Tx {
	return &Tx{backend: backend, handle: handle}
}

// Handle returns the backend-specific handle, or ErrTransactionClosed if
// the transaction is no longer usable.
func (t *Tx) Handle() (any, error) {
	if t == nil || t.closed.Load() {
		return nil, ErrTransactionClosed
	}
	if t.committed.Load() {
		return nil, ErrTransactionCommitted
	}
	return t.handle, nil
}

// Backend returns the name of the backend that opened the transaction.
func (t *Tx) Backend() string {
	return t.backend
}

// MarkCommitted records a successful commit.
func (t *Tx) MarkCommitted() {
	t.committed.Store(true)
}

// Committed reports whether CommitTransaction succeeded.
func (t *Tx) Committed() bool {
	return t.committed.Load()
}

// Close invalidates the transaction context.
func (t *Tx) Close() {
	t.closed.Store(true)
}
