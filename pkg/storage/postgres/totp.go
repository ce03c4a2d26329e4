package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
)

const deviceColumns = `user_id, device_name, secret_key, period, skew, verified, created_at`

func (s *Store) CreateDevice(ctx context.Context, app tenancy.AppIdentifier, device storage.TOTPDevice) error {
	return s.inTx(ctx, func(q querier) error {
		return createDevice(ctx, q, app, device)
	})
}

func (s *Store) CreateDeviceTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, device storage.TOTPDevice) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	return createDevice(ctx, pgTx, app, device)
}

func (s *Store) GetDeviceByNameTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID, deviceName string) (storage.TOTPDevice, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return storage.TOTPDevice{}, err
	}
	if err := lockUser(ctx, pgTx, app, userID); err != nil && !errors.Is(err, storage.ErrUnknownTOTPUser) {
		return storage.TOTPDevice{}, err
	}
	row := pgTx.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM totp_user_devices
		 WHERE app_id = $1 AND user_id = $2 AND device_name = $3 FOR UPDATE`,
		app.AppID, userID, deviceName,
	)
	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.TOTPDevice{}, storage.ErrUnknownDevice
	}
	if err != nil {
		return storage.TOTPDevice{}, mapError("get totp device", err)
	}
	return device, nil
}

func (s *Store) GetDevices(ctx context.Context, app tenancy.AppIdentifier, userID string) ([]storage.TOTPDevice, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getDevices(ctx, pool, app, userID, false)
}

// GetDevicesTx locks the user row first, then the devices.
func (s *Store) GetDevicesTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID string) ([]storage.TOTPDevice, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	if err := lockUser(ctx, pgTx, app, userID); err != nil {
		if errors.Is(err, storage.ErrUnknownTOTPUser) {
			return nil, nil
		}
		return nil, err
	}
	return getDevices(ctx, pgTx, app, userID, true)
}

func (s *Store) DeleteDeviceTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID, deviceName string) (bool, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return false, err
	}
	tag, err := pgTx.Exec(ctx,
		`DELETE FROM totp_user_devices WHERE app_id = $1 AND user_id = $2 AND device_name = $3`,
		app.AppID, userID, deviceName,
	)
	if err != nil {
		return false, mapError("delete totp device", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveUserTx deletes the user; devices and used codes in every tenant of
// the app go with it by cascade.
func (s *Store) RemoveUserTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID string) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx, `DELETE FROM totp_users WHERE app_id = $1 AND user_id = $2`, app.AppID, userID)
	return mapError("remove totp user", err)
}

func (s *Store) MarkDeviceAsVerified(ctx context.Context, app tenancy.AppIdentifier, userID, deviceName string) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE totp_user_devices SET verified = TRUE WHERE app_id = $1 AND user_id = $2 AND device_name = $3`,
		app.AppID, userID, deviceName,
	)
	return affectedOrUnknown("verify totp device", tag, err)
}

func (s *Store) UpdateDeviceName(ctx context.Context, app tenancy.AppIdentifier, userID, oldName, newName string) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE totp_user_devices SET device_name = $1 WHERE app_id = $2 AND user_id = $3 AND device_name = $4`,
		newName, app.AppID, userID, oldName,
	)
	if err != nil && isDuplicate(mapError("rename totp device", err)) {
		return storage.ErrDeviceAlreadyExists
	}
	return affectedOrUnknown("rename totp device", tag, err)
}

func (s *Store) InsertUsedCodeTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, code storage.TOTPUsedCode) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	if err := lockUser(ctx, pgTx, tenant.App(), code.UserID); err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx,
		`INSERT INTO totp_used_codes (app_id, tenant_id, user_id, code, is_valid, expiry_time_ms, created_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenant.AppID, tenant.TenantID, code.UserID, code.Code, code.IsValid,
		toMillis(code.ExpiresAt), toMillis(code.CreatedAt),
	)
	return mapError("insert used code", err)
}

// GetAllUsedCodesDescOrderTx locks the user row and the user's codes.
func (s *Store) GetAllUsedCodesDescOrderTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, userID string) ([]storage.TOTPUsedCode, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	if err := lockUser(ctx, pgTx, tenant.App(), userID); err != nil {
		if errors.Is(err, storage.ErrUnknownTOTPUser) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := pgTx.Query(ctx,
		`SELECT user_id, code, is_valid, expiry_time_ms, created_time_ms FROM totp_used_codes
		 WHERE app_id = $1 AND tenant_id = $2 AND user_id = $3
		 ORDER BY created_time_ms DESC FOR UPDATE`,
		tenant.AppID, tenant.TenantID, userID,
	)
	if err != nil {
		return nil, mapError("get used codes", err)
	}
	defer rows.Close()

	var codes []storage.TOTPUsedCode
	for rows.Next() {
		var (
			c                   storage.TOTPUsedCode
			expiryMs, createdMs int64
		)
		if err := rows.Scan(&c.UserID, &c.Code, &c.IsValid, &expiryMs, &createdMs); err != nil {
			return nil, mapError("scan used code", err)
		}
		c.ExpiresAt = fromMillis(expiryMs)
		c.CreatedAt = fromMillis(createdMs)
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate used codes", err)
	}
	return codes, nil
}

func (s *Store) RemoveExpiredCodes(ctx context.Context, tenant tenancy.TenantIdentifier, before time.Time) (int64, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx,
		`DELETE FROM totp_used_codes WHERE app_id = $1 AND tenant_id = $2 AND expiry_time_ms < $3`,
		tenant.AppID, tenant.TenantID, toMillis(before),
	)
	if err != nil {
		return 0, mapError("remove expired codes", err)
	}
	return tag.RowsAffected(), nil
}

// lockUser takes the row lock every TOTP read-modify-write starts with.
func lockUser(ctx context.Context, q querier, app tenancy.AppIdentifier, userID string) error {
	var found string
	err := q.QueryRow(ctx,
		`SELECT user_id FROM totp_users WHERE app_id = $1 AND user_id = $2 FOR UPDATE`,
		app.AppID, userID,
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrUnknownTOTPUser
	}
	return mapError("lock totp user", err)
}

func createDevice(ctx context.Context, q querier, app tenancy.AppIdentifier, d storage.TOTPDevice) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO totp_users (app_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		app.AppID, d.UserID,
	); err != nil {
		return mapError("create totp user", err)
	}
	_, err := q.Exec(ctx,
		`INSERT INTO totp_user_devices (app_id, user_id, device_name, secret_key, period, skew, verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		app.AppID, d.UserID, d.DeviceName, d.Secret, d.Period, d.Skew, d.Verified, toMillis(orNow(d.CreatedAt)),
	)
	err = mapError("create totp device", err)
	if isDuplicate(err) {
		return storage.ErrDeviceAlreadyExists
	}
	return err
}

func getDevices(ctx context.Context, q querier, app tenancy.AppIdentifier, userID string, lock bool) ([]storage.TOTPDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM totp_user_devices WHERE app_id = $1 AND user_id = $2
		ORDER BY created_at, device_name`
	if lock {
		query += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, query, app.AppID, userID)
	if err != nil {
		return nil, mapError("get totp devices", err)
	}
	defer rows.Close()

	var devices []storage.TOTPDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, mapError("scan totp device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate totp devices", err)
	}
	return devices, nil
}

func scanDevice(row pgx.Row) (storage.TOTPDevice, error) {
	var (
		d         storage.TOTPDevice
		createdMs int64
	)
	if err := row.Scan(&d.UserID, &d.DeviceName, &d.Secret, &d.Period, &d.Skew, &d.Verified, &createdMs); err != nil {
		return storage.TOTPDevice{}, err
	}
	d.CreatedAt = fromMillis(createdMs)
	return d, nil
}

func affectedOrUnknown(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownDevice)
	}
	return nil
}
