package postgres

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

// DeleteTenant removes the tenant; key-value rows and used codes go with it
// by cascade.
func (s *Store) DeleteTenant(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx,
		`DELETE FROM tenants WHERE app_id = $1 AND tenant_id = $2`, tenant.AppID, tenant.TenantID)
	if err != nil {
		return false, mapError("delete tenant", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteApp removes the app and, by cascade, everything stored for it.
func (s *Store) DeleteApp(ctx context.Context, app tenancy.AppIdentifier) (bool, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM apps WHERE app_id = $1`, app.AppID)
	if err != nil {
		return false, mapError("delete app", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) TenantExists(ctx context.Context, tenant tenancy.TenantIdentifier) (bool, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE app_id = $1 AND tenant_id = $2)`,
		tenant.AppID, tenant.TenantID,
	).Scan(&exists)
	if err != nil {
		return false, mapError("tenant exists", err)
	}
	return exists, nil
}

func (s *Store) ListTenants(ctx context.Context, connectionURIDomain string) ([]tenancy.TenantIdentifier, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT app_id, tenant_id FROM tenants ORDER BY app_id, tenant_id`)
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
	if _, err := q.Exec(ctx,
		`INSERT INTO apps (app_id, created_at_time) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		tenant.AppID, now,
	); err != nil {
		return false, mapError("create app", err)
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO tenants (app_id, tenant_id, created_at_time) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		tenant.AppID, tenant.TenantID, now,
	)
	if err != nil {
		return false, mapError("create tenant", err)
	}
	return tag.RowsAffected() > 0, nil
}
