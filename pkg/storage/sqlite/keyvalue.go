package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

func (s *Store) GetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return storage.KeyValueInfo{}, err
	}
	return getKeyValue(ctx, db, tenant, key)
}

func (s *Store) GetKeyValueTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return storage.KeyValueInfo{}, err
	}
	return getKeyValue(ctx, sqlTx, tenant, key)
}

func (s *Store) SetKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return setKeyValue(ctx, db, tenant, key, info)
}

func (s *Store) SetKeyValueTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	return setKeyValue(ctx, sqlTx, tenant, key, info)
}

func (s *Store) InsertKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO key_value (app_id, tenant_id, name, value, created_at_time) VALUES (?, ?, ?, ?, ?)`,
		tenant.AppID, tenant.TenantID, key, info.Value, toMillis(createdAt(info)),
	)
	return mapError("insert key value", err)
}

func (s *Store) DeleteKeyValue(ctx context.Context, tenant tenancy.TenantIdentifier, key string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`DELETE FROM key_value WHERE app_id = ? AND tenant_id = ? AND name = ?`,
		tenant.AppID, tenant.TenantID, key,
	)
	return mapError("delete key value", err)
}

func getKeyValue(ctx context.Context, q querier, tenant tenancy.TenantIdentifier, key string) (storage.KeyValueInfo, error) {
	var (
		value     sql.NullString
		createdMs int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT value, created_at_time FROM key_value WHERE app_id = ? AND tenant_id = ? AND name = ?`,
		tenant.AppID, tenant.TenantID, key,
	).Scan(&value, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.KeyValueInfo{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.KeyValueInfo{}, mapError("get key value", err)
	}
	return storage.KeyValueInfo{Value: value.String, CreatedAt: fromMillis(createdMs)}, nil
}

func setKeyValue(ctx context.Context, q querier, tenant tenancy.TenantIdentifier, key string, info storage.KeyValueInfo) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO key_value (app_id, tenant_id, name, value, created_at_time) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (app_id, tenant_id, name) DO UPDATE SET value = excluded.value, created_at_time = excluded.created_at_time`,
		tenant.AppID, tenant.TenantID, key, info.Value, toMillis(createdAt(info)),
	)
	return mapError("set key value", err)
}

func createdAt(info storage.KeyValueInfo) time.Time {
	if info.CreatedAt.IsZero() {
		return time.Now()
	}
	return info.CreatedAt
}
