// Package sqlite provides the embedded storage backend, built on the pure-Go
// modernc.org/sqlite driver.
//
// The backend is used when no storage plugin is installed. All work goes
// through a single connection, so transactions are serialized and the
// locking reads of the transaction protocol hold trivially. An empty path
// selects a private in-memory database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// Name is the backend name reported to the storage layer.
const Name = "sqlite"

// Store is the embedded SQLite backend.
type Store struct {
	storage.FileLogging

	processID string
	cfg       config.EmbeddedConfig

	mu sync.Mutex
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ storage.SQLStorage          = (*Store)(nil)
	_ storage.KeyValueTxStorage   = (*Store)(nil)
	_ storage.SigningKeyStorage   = (*Store)(nil)
	_ storage.TOTPStorage         = (*Store)(nil)
	_ storage.MultitenancyStorage = (*Store)(nil)
)

// New returns an unconfigured embedded backend.
func New() storage.Backend {
	return &Store{}
}

func (s *Store) Name() string { return Name }

func (s *Store) Type() storage.Type { return storage.TypeSQL }

func (s *Store) Construct(processID string, silent bool) {
	s.processID = processID
	s.SetLogContext(silent, "backend", Name, "process_id", processID)
}

func (s *Store) LoadConfig(cfg config.StorageConfig) error {
	if cfg.Embedded.BusyTimeout < 0 {
		return &storage.FatalError{Msg: "embedded storage: busy_timeout must not be negative"}
	}
	s.cfg = cfg.Embedded
	return nil
}

// CanBeUsed is always true; the embedded backend needs no configuration.
func (s *Store) CanBeUsed(config.StorageConfig) bool { return true }

func (s *Store) ConnectionPoolID() string {
	if s.cfg.Path == "" {
		return Name + "|:memory:"
	}
	return Name + "|" + s.cfg.Path
}

func (s *Store) UserPoolID() string { return s.ConnectionPoolID() }

// InitStorage opens the database, applies migrations and creates the base
// tenant. Calling it again is a no-op.
func (s *Store) InitStorage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return &storage.FatalError{Msg: "opening embedded database", Err: err}
	}
	// One connection: an in-memory database lives only as long as its
	// connection, and file databases get a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return &storage.FatalError{Msg: "connecting to embedded database", Err: err}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return &storage.FatalError{Msg: "migrating embedded database", Err: err}
	}
	if _, err := createTenant(ctx, db, tenancy.BaseTenant); err != nil {
		_ = db.Close()
		return &storage.FatalError{Msg: "creating base tenant", Err: err}
	}

	s.db = db
	s.Logger().Info("embedded storage ready", "path", s.displayPath())
	return nil
}

func (s *Store) dsn() string {
	timeout := s.cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	path := s.cfg.Path
	if path == "" {
		path = ":memory:"
	} else {
		path = "file:" + path
	}
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, timeout.Milliseconds())
}

func (s *Store) displayPath() string {
	if s.cfg.Path == "" {
		return ":memory:"
	}
	return s.cfg.Path
}

// IsReady pings the database.
func (s *Store) IsReady(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return storage.NewQueryError("ping", db.PingContext(ctx))
}

// Close closes the database. An in-memory database is discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying database handle, or nil before InitStorage.
func (s *Store) DB() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewQueryError("connect", err)
	}
	db := s.DB()
	if db == nil {
		return nil, storage.ErrNotConfigured
	}
	return db, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapError converts driver errors into the storage error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return &storage.DuplicateKeyError{Constraint: constraintName(sqliteErr.Error()), Err: err}
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: %w", op, storage.ErrTenantOrAppNotFound)
		}
	}
	return &storage.QueryError{Op: op, Err: err}
}

// constraintName extracts the column list from messages such as
// "UNIQUE constraint failed: apps.app_id".
func constraintName(msg string) string {
	if _, after, ok := strings.Cut(msg, "constraint failed: "); ok {
		if name, _, ok := strings.Cut(after, " ("); ok {
			return name
		}
		return after
	}
	return ""
}

func isDuplicate(err error) bool {
	var dup *storage.DuplicateKeyError
	return errors.As(err, &dup)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
