package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rhuss/authcore/pkg/storage"
)

// StartTransaction runs fn in a transaction. Anything not committed by fn
// is rolled back when it returns.
func (s *Store) StartTransaction(ctx context.Context, fn storage.TxFunc) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.QueryError{Op: "begin", Err: err}
	}

	tx := storage.NewTx(Name, sqlTx)
	defer func() {
		tx.Close()
		if !tx.Committed() {
			_ = sqlTx.Rollback()
		}
	}()

	return storage.CallbackError(fn(ctx, tx))
}

// CommitTransaction commits tx. The transaction cannot be used afterwards.
func (s *Store) CommitTransaction(_ context.Context, tx *storage.Tx) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &storage.QueryError{Op: "commit", Err: err}
	}
	tx.MarkCommitted()
	return nil
}

// inTx runs fn in a committed transaction, for plain operations made of
// several statements.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	err := s.StartTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		sqlTx, err := txOf(tx)
		if err != nil {
			return err
		}
		if err := fn(sqlTx); err != nil {
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

func txOf(tx *storage.Tx) (*sql.Tx, error) {
	h, err := tx.Handle()
	if err != nil {
		return nil, err
	}
	sqlTx, ok := h.(*sql.Tx)
	if !ok || tx.Backend() != Name {
		return nil, fmt.Errorf("transaction of backend %q used with %s", tx.Backend(), Name)
	}
	return sqlTx, nil
}
