package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

type TenantsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	GetByID(ctx context.Context, id int64) (*model.Tenant, error)
}

type TenantsRepositoryImpl struct {
	db *sqlx.DB
}

func NewTenantsRepository(db *sqlx.DB) *TenantsRepositoryImpl {
	return &TenantsRepositoryImpl{db: db}
}

var _ TenantsRepository = (*TenantsRepositoryImpl)(nil)

const tenantColumns = `id, name, api_key, plan, status, rate_limit_rps, created_at, updated_at`

func (r *TenantsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	return r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key = ? LIMIT 1`, apiKey)
}

func (r *TenantsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	return r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ? LIMIT 1`, id)
}

func (r *TenantsRepositoryImpl) getOne(ctx context.Context, q string, arg any) (*model.Tenant, error) {
	var t model.Tenant
	err := r.db.GetContext(ctx, &t, q, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PlanLimitsRepository reads the limit table of the tenant's subscription plan.
type PlanLimitsRepository interface {
	GetPlanLimit(ctx context.Context, tenantID int64, feature string) (*model.PlanLimit, error)
}

type PlanLimitsRepositoryImpl struct {
	db *sqlx.DB
}

func NewPlanLimitsRepository(db *sqlx.DB) *PlanLimitsRepositoryImpl {
	return &PlanLimitsRepositoryImpl{db: db}
}

var _ PlanLimitsRepository = (*PlanLimitsRepositoryImpl)(nil)

// GetPlanLimit returns nil when the plan has no row for feature.
func (r *PlanLimitsRepositoryImpl) GetPlanLimit(ctx context.Context, tenantID int64, feature string) (*model.PlanLimit, error) {
	var pl model.PlanLimit
	err := r.db.GetContext(ctx, &pl, `
		SELECT pl.plan, pl.feature, pl.msg_limit, pl.enabled
		  FROM plan_limits pl
		  JOIN tenants t ON t.plan = pl.plan
		 WHERE t.id = ? AND pl.feature = ?
		 LIMIT 1
	`, tenantID, feature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pl, nil
}
