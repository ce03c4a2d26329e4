package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	return createDevice(ctx, sqlTx, app, device)
}

func (s *Store) GetDeviceByNameTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID, deviceName string) (storage.TOTPDevice, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return storage.TOTPDevice{}, err
	}
	row := sqlTx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM totp_user_devices WHERE app_id = ? AND user_id = ? AND device_name = ?`,
		app.AppID, userID, deviceName,
	)
	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TOTPDevice{}, storage.ErrUnknownDevice
	}
	if err != nil {
		return storage.TOTPDevice{}, mapError("get totp device", err)
	}
	return device, nil
}

func (s *Store) GetDevices(ctx context.Context, app tenancy.AppIdentifier, userID string) ([]storage.TOTPDevice, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getDevices(ctx, db, app, userID)
}

func (s *Store) GetDevicesTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID string) ([]storage.TOTPDevice, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	return getDevices(ctx, sqlTx, app, userID)
}

func (s *Store) DeleteDeviceTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID, deviceName string) (bool, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return false, err
	}
	res, err := sqlTx.ExecContext(ctx,
		`DELETE FROM totp_user_devices WHERE app_id = ? AND user_id = ? AND device_name = ?`,
		app.AppID, userID, deviceName,
	)
	if err != nil {
		return false, mapError("delete totp device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("delete totp device", err)
	}
	return n > 0, nil
}

// RemoveUserTx deletes used codes in every tenant of the app, the devices
// and the user row.
func (s *Store) RemoveUserTx(ctx context.Context, tx *storage.Tx, app tenancy.AppIdentifier, userID string) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM totp_used_codes WHERE app_id = ? AND user_id = ?`,
		`DELETE FROM totp_user_devices WHERE app_id = ? AND user_id = ?`,
		`DELETE FROM totp_users WHERE app_id = ? AND user_id = ?`,
	} {
		if _, err := sqlTx.ExecContext(ctx, stmt, app.AppID, userID); err != nil {
			return mapError("remove totp user", err)
		}
	}
	return nil
}

func (s *Store) MarkDeviceAsVerified(ctx context.Context, app tenancy.AppIdentifier, userID, deviceName string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE totp_user_devices SET verified = 1 WHERE app_id = ? AND user_id = ? AND device_name = ?`,
		app.AppID, userID, deviceName,
	)
	return affectedOrUnknown("verify totp device", res, err)
}

func (s *Store) UpdateDeviceName(ctx context.Context, app tenancy.AppIdentifier, userID, oldName, newName string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE totp_user_devices SET device_name = ? WHERE app_id = ? AND user_id = ? AND device_name = ?`,
		newName, app.AppID, userID, oldName,
	)
	if err != nil && isDuplicate(mapError("rename totp device", err)) {
		return storage.ErrDeviceAlreadyExists
	}
	return affectedOrUnknown("rename totp device", res, err)
}

func (s *Store) InsertUsedCodeTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, code storage.TOTPUsedCode) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}

	var found int
	err = sqlTx.QueryRowContext(ctx,
		`SELECT 1 FROM totp_users WHERE app_id = ? AND user_id = ?`,
		tenant.AppID, code.UserID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrUnknownTOTPUser
	}
	if err != nil {
		return mapError("insert used code", err)
	}

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO totp_used_codes (app_id, tenant_id, user_id, code, is_valid, expiry_time_ms, created_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenant.AppID, tenant.TenantID, code.UserID, code.Code, code.IsValid,
		toMillis(code.ExpiresAt), toMillis(code.CreatedAt),
	)
	return mapError("insert used code", err)
}

func (s *Store) GetAllUsedCodesDescOrderTx(ctx context.Context, tx *storage.Tx, tenant tenancy.TenantIdentifier, userID string) ([]storage.TOTPUsedCode, error) {
	sqlTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	rows, err := sqlTx.QueryContext(ctx,
		`SELECT user_id, code, is_valid, expiry_time_ms, created_time_ms FROM totp_used_codes
		 WHERE app_id = ? AND tenant_id = ? AND user_id = ? ORDER BY created_time_ms DESC`,
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
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM totp_used_codes WHERE app_id = ? AND tenant_id = ? AND expiry_time_ms < ?`,
		tenant.AppID, tenant.TenantID, toMillis(before),
	)
	if err != nil {
		return 0, mapError("remove expired codes", err)
	}
	n, err := res.RowsAffected()
	return n, mapError("remove expired codes", err)
}

func createDevice(ctx context.Context, q querier, app tenancy.AppIdentifier, d storage.TOTPDevice) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO totp_users (app_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		app.AppID, d.UserID,
	); err != nil {
		return mapError("create totp user", err)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO totp_user_devices (app_id, user_id, device_name, secret_key, period, skew, verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		app.AppID, d.UserID, d.DeviceName, d.Secret, d.Period, d.Skew, d.Verified, toMillis(created),
	)
	err = mapError("create totp device", err)
	if isDuplicate(err) {
		return storage.ErrDeviceAlreadyExists
	}
	return err
}

func getDevices(ctx context.Context, q querier, app tenancy.AppIdentifier, userID string) ([]storage.TOTPDevice, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM totp_user_devices WHERE app_id = ? AND user_id = ?
		 ORDER BY created_at, device_name`,
		app.AppID, userID,
	)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (storage.TOTPDevice, error) {
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

func affectedOrUnknown(op string, res sql.Result, err error) error {
	if err != nil {
		return mapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownDevice)
	}
	return nil
}
