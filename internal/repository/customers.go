package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// CustomersRepository is a read-only view of the tenant's customer directory.
type CustomersRepository interface {
	GetByID(ctx context.Context, tenantID, id int64) (*model.Customer, error)
	FindByAddress(ctx context.Context, tenantID int64, ch model.Channel, address string) (*model.Customer, error)
	// ListPage returns up to limit customers with id > afterID in ascending
	// id order, restricted to ids when non-empty.
	ListPage(ctx context.Context, tenantID, afterID int64, limit int, ids []int64) ([]model.Customer, error)
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

const customerSelect = `
	SELECT c.id, c.tenant_id, t.name AS tenant_name, c.first_name, c.last_name,
	       COALESCE(c.phone, '') AS phone, COALESCE(c.email, '') AS email,
	       COALESCE(c.chat_a_user_id, '') AS chat_a_user_id, COALESCE(c.chat_b_user_id, '') AS chat_b_user_id,
	       COALESCE(c.gender, '') AS gender, c.tags,
	       c.visit_count, c.last_visit_at, c.booking_count, c.last_booking_at, c.lifetime_spend
	  FROM customers c
	  JOIN tenants t ON t.id = c.tenant_id
`

var addressColumns = map[model.Channel]string{
	model.ChannelSMS:   "c.phone",
	model.ChannelEmail: "c.email",
	model.ChannelChatA: "c.chat_a_user_id",
	model.ChannelChatB: "c.chat_b_user_id",
}

func decodeTags(c *model.Customer) error {
	if len(c.TagsJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.TagsJSON, &c.Tags); err != nil {
		return fmt.Errorf("customer %d tags: %w", c.ID, err)
	}
	return nil
}

func (r *CustomersRepositoryImpl) getOne(ctx context.Context, q string, args ...any) (*model.Customer, error) {
	var c model.Customer
	err := r.db.GetContext(ctx, &c, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeTags(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomersRepositoryImpl) GetByID(ctx context.Context, tenantID, id int64) (*model.Customer, error) {
	return r.getOne(ctx, customerSelect+` WHERE c.tenant_id = ? AND c.id = ? LIMIT 1`, tenantID, id)
}

func (r *CustomersRepositoryImpl) FindByAddress(ctx context.Context, tenantID int64, ch model.Channel, address string) (*model.Customer, error) {
	col, ok := addressColumns[ch]
	if !ok || strings.TrimSpace(address) == "" {
		return nil, nil
	}
	if ch == model.ChannelEmail {
		return r.getOne(ctx, customerSelect+` WHERE c.tenant_id = ? AND LOWER(c.email) = LOWER(?) ORDER BY c.id LIMIT 1`, tenantID, address)
	}
	return r.getOne(ctx, customerSelect+` WHERE c.tenant_id = ? AND `+col+` = ? ORDER BY c.id LIMIT 1`, tenantID, address)
}

func (r *CustomersRepositoryImpl) ListPage(ctx context.Context, tenantID, afterID int64, limit int, ids []int64) ([]model.Customer, error) {
	if limit <= 0 {
		limit = 500
	}

	q := customerSelect + ` WHERE c.tenant_id = ? AND c.id > ?`
	args := []any{tenantID, afterID}
	if len(ids) > 0 {
		q += ` AND c.id IN (?)`
		args = append(args, ids)
	}
	q += ` ORDER BY c.id ASC LIMIT ?`
	args = append(args, limit)

	if len(ids) > 0 {
		var err error
		q, args, err = sqlx.In(q, args...)
		if err != nil {
			return nil, err
		}
		q = r.db.Rebind(q)
	}

	var rows []model.Customer
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	for i := range rows {
		if err := decodeTags(&rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
