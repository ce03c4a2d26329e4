package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

func (s *Store) GetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return storage.KeyValueInfo{}, err
	}
	return getKeyValue(ctx, pool, tenant, key, false)
}

// GetKeyValueTx reads key and locks its row until tx ends.
func (s *Store) GetKeyValueTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return storage.KeyValueInfo{}, err
	}
	return getKeyValue(ctx, pgTx, tenant, key, true)
}

func (s *Store) SetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return setKeyValue(ctx, pool, tenant, key, info)
}

func (s *Store) SetKeyValueTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	return setKeyValue(ctx, pgTx, tenant, key, info)
}

func (s *Store) InsertKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO key_value (app_id, tenant_id, name, value, created_at_time) VALUES ($1, $2, $3, $4, $5)`,
		tenant.AppID, tenant.TenantID, key, info.Value, toMillis(orNow(info.CreatedAt)),
	)
	return mapError("insert key value", err)
}

func (s *Store) DeleteKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`DELETE FROM key_value WHERE app_id = $1 AND tenant_id = $2 AND name = $3`,
		tenant.AppID, tenant.TenantID, key,
	)
	return mapError("delete key value", err)
}

func getKeyValue(ctx context.Context, q querier, tenant tenancy.TenantIdentifier, key string, lock bool) (storage.KeyValueInfo, error) {
	query := `SELECT value, created_at_time FROM key_value WHERE app_id = $1 AND tenant_id = $2 AND name = $3`
	if lock {
		query += " FOR UPDATE"
	}
	var (
		value     *string
		createdMs int64
	)
	err := q.QueryRow(ctx, query, tenant.AppID, tenant.TenantID, key).Scan(&value, &createdMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.KeyValueInfo{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.KeyValueInfo{}, mapError("get key value", err)
	}
	info := storage.KeyValueInfo{CreatedAt: fromMillis(createdMs)}
	if value != nil {
		info.Value = *value
	}
	return info, nil
}

func setKeyValue(ctx context.Context, q querier, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	_, err := q.Exec(ctx,
		`INSERT INTO key_value (app_id, tenant_id, name, value, created_at_time) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (app_id, tenant_id, name) DO UPDATE SET value = EXCLUDED.value, created_at_time = EXCLUDED.created_at_time`,
		tenant.AppID, tenant.TenantID, key, info.Value, toMillis(orNow(info.CreatedAt)),
	)
	return mapError("set key value", err)
}
