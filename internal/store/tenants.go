// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/model"
)

// TenantBySlug looks up an active tenant by its slug.
func (s *Store) TenantBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM tenants WHERE slug = $1 AND archived_at IS NULL`, slug)
	if err != nil {
		return model.Tenant{}, classify(err, "tenant")
	}
	return row.toModel(), nil
}

// TenantByID looks up a tenant by id, archived or not.
func (s *Store) TenantByID(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tenants WHERE id = $1`, id)
	if err != nil {
		return model.Tenant{}, classify(err, "tenant")
	}
	return row.toModel(), nil
}

// TenantByDeviceEUI resolves the owning tenant of a registered sensor EUI.
// Ingest uses it when the webhook carries no tenant hint.
func (s *Store) TenantByDeviceEUI(ctx context.Context, eui string) (model.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT t.* FROM tenants t
		JOIN devices d ON d.tenant_id = t.id
		WHERE d.eui = $1 AND d.role = 'sensor' AND d.deleted_at IS NULL
		  AND t.archived_at IS NULL
		LIMIT 1`, eui)
	if err != nil {
		return model.Tenant{}, classify(err, "tenant")
	}
	return row.toModel(), nil
}

// QuotaUsage is a snapshot of a tenant's counted resources.
type QuotaUsage struct {
	Spaces  int `db:"spaces"`
	Devices int `db:"devices"`
	Users   int `db:"users"`
}

// TenantQuotaUsage counts the quota-relevant resources of a tenant.
func (s *Store) TenantQuotaUsage(ctx context.Context, tenantID uuid.UUID) (QuotaUsage, error) {
	var usage QuotaUsage
	err := s.db.GetContext(ctx, &usage, `
		SELECT
			(SELECT count(*) FROM spaces WHERE tenant_id = $1 AND deleted_at IS NULL) AS spaces,
			(SELECT count(*) FROM devices WHERE tenant_id = $1 AND deleted_at IS NULL) AS devices,
			(SELECT count(*) FROM memberships WHERE tenant_id = $1) AS users`,
		tenantID)
	if err != nil {
		return usage, fmt.Errorf("quota usage: %w", err)
	}
	return usage, nil
}
