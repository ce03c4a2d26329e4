package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// GetAccessTokenSigningKeysTx returns the app's keys newest first. The
// single connection serializes transactions, so the key set stays locked
// until tx ends.
func (s *Store) GetAccessTokenSigningKeysTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier) ([]storage.KeyValueInfo, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	rows, err := sqlTx.QueryContext(ctx,
		`SELECT value, created_at_time FROM session_access_token_signing_keys
		 WHERE app_id = ? ORDER BY created_at_time DESC`,
		app.AppID,
	)
	if err != nil {
		return nil, mapError("get signing keys", err)
	}
	defer rows.Close()

	var keys []storage.KeyValueInfo
	for rows.Next() {
		var (
			value     sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&value, &createdMs); err != nil {
			return nil, mapError("scan signing key", err)
		}
		keys = append(keys, storage.KeyValueInfo{Value: value.String, CreatedAt: fromMillis(createdMs)})
	}
	return keys, mapError("iterate signing keys", rows.Err())
}

func (s *Store) AddAccessTokenSigningKeyTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, key storage.KeyValueInfo) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO session_access_token_signing_keys (app_id, created_at_time, value) VALUES (?, ?, ?)`,
		app.AppID, toMillis(createdAt(key)), key.Value,
	)
	return mapError("add signing key", err)
}

func (s *Store) RemoveAccessTokenSigningKeysBefore(ctx context.Context, app tenancy.AppIdentifier, before time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`DELETE FROM session_access_token_signing_keys WHERE app_id = ? AND created_at_time < ?`,
		app.AppID, toMillis(before),
	)
	return mapError("remove signing keys", err)
}
