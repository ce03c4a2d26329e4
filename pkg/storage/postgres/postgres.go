// Package postgres provides the PostgreSQL storage plugin. It uses pgx/v5
// for connection pooling and row locks (SELECT ... FOR UPDATE) for the
// read-modify-write sequences of the transaction protocol.
//
// The package registers itself in storage.DefaultRegistry under the name
// "postgres"; a deployment enables it with a plugin/postgres entry in the
// installation directory.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// Name is the backend name in the plugin registry.
const Name = "postgres"

func init() {
	storage.MustRegister(Name, New)
}

// Store is the PostgreSQL backend.
type Store struct {
	storage.FileLogging

	processID string
	cfg       Config
	poolCfg   *pgxpool.Config

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// Compile-time interface checks.
var (
	_ storage.SQLStorage          = (*Store)(nil)
	_ storage.KeyValueTxStorage   = (*Store)(nil)
	_ storage.SigningKeyStorage   = (*Store)(nil)
	_ storage.TOTPStorage         = (*Store)(nil)
	_ storage.MultitenancyStorage = (*Store)(nil)
)

// New returns an unconfigured PostgreSQL backend.
func New() storage.Backend {
	return &Store{}
}

func (s *Store) Name() string { return Name }

func (s *Store) Type() storage.Type { return storage.TypeSQL }

func (s *Store) Construct(processID string, silent bool) {
	s.processID = processID
	s.SetLogContext(silent, "backend", Name, "process_id", processID)
}

// LoadConfig parses the DSN. A missing or malformed DSN is fatal.
func (s *Store) LoadConfig(cfg config.StorageConfig) error {
	c := configFrom(cfg)
	c.defaults()
	if c.DSN == "" {
		return &storage.FatalError{Msg: "postgres storage: dsn is required"}
	}
	poolCfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return &storage.FatalError{Msg: "postgres storage: parsing DSN", Err: err}
	}
	poolCfg.MaxConns = c.MaxConns
	poolCfg.MinConns = c.MinConns
	poolCfg.MaxConnLifetime = c.MaxConnLifetime

	s.cfg = c
	s.poolCfg = poolCfg
	return nil
}

// CanBeUsed reports whether a DSN is configured.
func (s *Store) CanBeUsed(cfg config.StorageConfig) bool {
	return cfg.Postgres.DSN != ""
}

// ConnectionPoolID is host:port/database of the configured DSN.
func (s *Store) ConnectionPoolID() string {
	if s.poolCfg == nil {
		return Name
	}
	cc := s.poolCfg.ConnConfig
	return Name + "|" + cc.Host + ":" + strconv.Itoa(int(cc.Port)) + "/" + cc.Database
}

func (s *Store) UserPoolID() string { return s.ConnectionPoolID() }

// InitStorage connects, applies migrations when MigrateOnStart is set and
// creates the base tenant. Calling it again is a no-op.
func (s *Store) InitStorage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	if s.poolCfg == nil {
		return &storage.FatalError{Msg: "postgres storage", Err: storage.ErrNotConfigured}
	}

	pool, err := pgxpool.NewWithConfig(ctx, s.poolCfg)
	if err != nil {
		return &storage.FatalError{Msg: "creating connection pool", Err: err}
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &storage.FatalError{Msg: "connecting to database", Err: err}
	}

	s.pool = pool
	if s.cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			s.pool = nil
			return &storage.FatalError{Msg: "running migrations", Err: err}
		}
	}
	if _, err := createTenant(ctx, pool, tenancy.BaseTenant); err != nil {
		pool.Close()
		s.pool = nil
		return &storage.FatalError{Msg: "creating base tenant", Err: err}
	}

	s.Logger().Info("postgres storage ready", "pool", s.ConnectionPoolID())
	return nil
}

// IsReady verifies the database connection.
func (s *Store) IsReady(ctx context.Context) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return storage.NewQueryError("ping", pool.Ping(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Store) conn(ctx context.Context) (*pgxpool.Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewQueryError("connect", err)
	}
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return nil, storage.ErrNotConfigured
	}
	return pool, nil
}

// StartTransaction runs fn in a transaction. Anything not committed by fn
// is rolled back when it returns.
func (s *Store) StartTransaction(ctx context.Context, fn storage.TxFunc) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	pgTx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError("begin", err)
	}

	tx := storage.NewTx(Name, pgTx)
	defer func() {
		tx.Close()
		if !tx.Committed() {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	return storage.CallbackError(fn(ctx, tx))
}

// CommitTransaction commits tx. The transaction cannot be used afterwards.
func (s *Store) CommitTransaction(ctx context.Context, tx *storage.Tx) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	tx.MarkCommitted()
	return nil
}

// inTx runs fn in a committed transaction, for plain operations made of
// several statements.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	err := s.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		pgTx, err := txOf(tx)
		if err != nil {
			return err
		}
		if err := fn(pgTx); err != nil {
			return err
		}
		return s.CommitTransaction(ctx, tx)
	})
	var logic *storage.TransactionLogicError
	if errors.As(err, &logic) {
		return logic.Err
	}
	return err
}

func txOf(tx *storage.Tx) (pgx.Tx, error) {
	h, err := tx.Handle()
	if err != nil {
		return nil, err
	}
	pgTx, ok := h.(pgx.Tx)
	if !ok || tx.Backend() != Name {
		return nil, fmt.Errorf("transaction of backend %q used with %s", tx.Backend(), Name)
	}
	return pgTx, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgreSQL error codes the backend translates.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// mapError converts driver errors into the storage error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return &storage.DuplicateKeyError{Constraint: pgErr.ConstraintName, Err: err}
		case codeForeignKeyViolation:
			if pgErr.ConstraintName == "totp_used_codes_user_id_fkey" {
				return fmt.Errorf("%s: %w", op, storage.ErrUnknownTOTPUser)
			}
			return fmt.Errorf("%s: %w", op, storage.ErrTenantOrAppNotFound)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%s: %w: %v", op, storage.ErrRetry, err)
		}
	}
	return &storage.QueryError{Op: op, Err: err}
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

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
