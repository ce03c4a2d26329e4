package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

// GetAccessTokenSigningKeysTx locks the app row, which serializes key
// provisioning for the app, and returns its keys newest first.
func (s *Store) GetAccessTokenSigningKeysTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier) ([]storage.KeyValueInfo, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}

	var appID string
	err = pgTx.QueryRow(ctx, `SELECT app_id FROM apps WHERE app_id = $1 FOR UPDATE`, app.AppID).Scan(&appID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError("lock app", err)
	}

	rows, err := pgTx.Query(ctx,
		`SELECT value, created_at_time FROM session_access_token_signing_keys
		 WHERE app_id = $1 ORDER BY created_at_time DESC`,
		app.AppID,
	)
	if err != nil {
		return nil, mapError("get signing keys", err)
	}
	defer rows.Close()

	var keys []storage.KeyValueInfo
	for rows.Next() {
		var (
			value     *string
			createdMs int64
		)
		if err := rows.Scan(&value, &createdMs); err != nil {
			return nil, mapError("scan signing key", err)
		}
		k := storage.KeyValueInfo{CreatedAt: fromMillis(createdMs)}
		if value != nil {
			k.Value = *value
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate signing keys", err)
	}
	return keys, nil
}

func (s *Store) AddAccessTokenSigningKeyTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, key storage.KeyValueInfo) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx,
		`INSERT INTO session_access_token_signing_keys (app_id, created_at_time, value) VALUES ($1, $2, $3)`,
		app.AppID, toMillis(orNow(key.CreatedAt)), key.Value,
	)
	return mapError("add signing key", err)
}

func (s *Store) RemoveAccessTokenSigningKeysBefore(ctx context.Context, app tenancy.AppIdentifier, before time.Time) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`DELETE FROM session_access_token_signing_keys WHERE app_id = $1 AND created_at_time < $2`,
		app.AppID, toMillis(before),
	)
	return mapError("remove signing keys", err)
}
