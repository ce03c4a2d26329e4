package sqlite

import (
	"context"
	"time"

	"github.com/rhuss/authcore/pkg/tenancy"
)

func (s *Store) CreateTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(q querier) error {
		var err error
		created, err = createTenant(ctx, q, tenant)
		return err
	})
	return created, err
}

// DeleteTenant removes the tenant with its key-value rows and used codes.
func (s *Store) DeleteTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(q querier) error {
		for _, stmt := range []string{
			`DELETE FROM totp_used_codes WHERE app_id = ? AND tenant_id = ?`,
			`DELETE FROM key_value WHERE app_id = ? AND tenant_id = ?`,
		} {
			if _, err := q.ExecContext(ctx, stmt, tenant.AppID, tenant.TenantID); err != nil {
				return mapError("delete tenant", err)
			}
		}
		res, err := q.ExecContext(ctx,
			`DELETE FROM tenants WHERE app_id = ? AND tenant_id = ?`, tenant.AppID, tenant.TenantID)
		if err != nil {
			return mapError("delete tenant", err)
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return mapError("delete tenant", err)
	})
	return deleted, err
}

// DeleteApp removes the app and, by cascade, everything stored for it.
func (s *Store) DeleteApp(ctx context.Context, app tenancy.AppIdentifier) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM apps WHERE app_id = ?`, app.AppID)
	if err != nil {
		return false, mapError("delete app", err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapError("delete app", err)
}

func (s *Store) TenantExists(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenants WHERE app_id = ? AND tenant_id = ?`, tenant.AppID, tenant.TenantID,
	).Scan(&n)
	if err != nil {
		return false, mapError("tenant exists", err)
	}
	return n > 0, nil
}

func (s *Store) ListTenants(ctx context.Context, connectionURIDomain string) ([]tenancy.TenantIdentifier, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT app_id, tenant_id FROM tenants ORDER BY app_id, tenant_id`)
	if err != nil {
		return nil, mapError("list tenants", err)
	}
	defer rows.Close()

	var tenants []tenancy.TenantIdentifier
	for rows.Next() {
		var appID, tenantID string
		if err := rows.Scan(&appID, &tenantID); err != nil {
			return nil, mapError("scan tenant", err)
		}
		tenants = append(tenants, tenancy.NewTenant(connectionURIDomain, appID, tenantID))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list tenants", err)
	}
	return tenants, nil
}

func createTenant(ctx context.Context, q querier, tenant tenancy.TenantIdentifier) (bool, error) {
	now := toMillis(time.Now())
	if _, err := q.ExecContext(ctx,
		`INSERT INTO apps (app_id, created_at_time) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		tenant.AppID, now,
	); err != nil {
		return false, mapError("create app", err)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO tenants (app_id, tenant_id, created_at_time) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		tenant.AppID, tenant.TenantID, now,
	)
	if err != nil {
		return false, mapError("create tenant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("create tenant", err)
	}
	return n > 0, nil
}
