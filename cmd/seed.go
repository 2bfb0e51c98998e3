package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/msg-engine/internal/app"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/db"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/service/channelcfg"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo tenants, plans, customers and channel configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		logger.Log.Info("seeding demo data")

		if err := seedPlanLimits(ctx, sqlDB); err != nil {
			return err
		}
		ids, err := seedTenants(ctx, sqlDB)
		if err != nil {
			return err
		}

		channels := channelcfg.New(repository.NewChannelConfigsRepository(sqlDB), channel.NewDefaultRegistry(cfg.Channels))
		for _, id := range ids {
			if err := seedCustomers(ctx, sqlDB, id); err != nil {
				return err
			}
			if err := channels.EnsureDefaults(ctx, id); err != nil {
				return err
			}
		}

		logger.Log.Info("seed completed", zap.Int("tenants", len(ids)))
		return nil
	},
}

type demoTenant struct {
	name, apiKey, plan, status string
	rps                        *int
}

var demoTenants = []demoTenant{
	{"Acme Salon", "11111111111111111111111111111111", "pro", "active", intptr(20)},
	{"Foobar Spa", "22222222222222222222222222222222", "basic", "active", intptr(50)},
	{"Beta Barbers", "33333333333333333333333333333333", "trial", "active", intptr(5)},
	{"Suspended Inc", "44444444444444444444444444444444", "basic", "suspended", nil},
}

// seedTenants upserts the demo tenants on api_key and returns their ids.
func seedTenants(ctx context.Context, dbx *sqlx.DB) ([]int64, error) {
	const q = `
INSERT INTO tenants
    (name, api_key, plan, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name           = VALUES(name),
    plan           = VALUES(plan),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`
	now := time.Now()
	ids := make([]int64, 0, len(demoTenants))
	for _, t := range demoTenants {
		if _, err := dbx.ExecContext(ctx, q, t.name, t.apiKey, t.plan, t.status, t.rps, now, now); err != nil {
			return nil, fmt.Errorf("insert tenant %q: %w", t.name, err)
		}
		var id int64
		if err := dbx.GetContext(ctx, &id, `SELECT id FROM tenants WHERE api_key = ?`, t.apiKey); err != nil {
			return nil, fmt.Errorf("tenant id %q: %w", t.name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// seedPlanLimits gives every plan a monthly limit per channel. pro is
// unlimited on email (-1); trial has the chat channels disabled.
func seedPlanLimits(ctx context.Context, dbx *sqlx.DB) error {
	limits := map[string]map[model.Channel]int64{
		"pro":   {model.ChannelSMS: 50000, model.ChannelEmail: -1, model.ChannelChatA: 100000, model.ChannelChatB: 100000},
		"basic": {model.ChannelSMS: 5000, model.ChannelEmail: 20000, model.ChannelChatA: 10000, model.ChannelChatB: 10000},
		"trial": {model.ChannelSMS: 100, model.ChannelEmail: 500, model.ChannelChatA: 0, model.ChannelChatB: 0},
	}
	const q = `
INSERT INTO plan_limits (plan, feature, msg_limit, enabled)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE msg_limit = VALUES(msg_limit), enabled = VALUES(enabled)
`
	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for plan, perChannel := range limits {
		for ch, limit := range perChannel {
			if _, err := tx.ExecContext(ctx, q, plan, quota.Feature(ch), limit, limit != 0); err != nil {
				return fmt.Errorf("insert plan limit %s/%s: %w", plan, ch, err)
			}
		}
	}
	return tx.Commit()
}

// seedCustomers inserts a few deterministic customers for tenantID unless it
// already has some.
func seedCustomers(ctx context.Context, dbx *sqlx.DB, tenantID int64) error {
	var n int
	if err := dbx.GetContext(ctx, &n, `SELECT COUNT(*) FROM customers WHERE tenant_id = ?`, tenantID); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	type demo struct {
		first, last, phone, email, chatA, gender string
		tags                                     []string
		visits, bookings                         int
		spend                                    float64
	}
	customers := []demo{
		{"Sara", "Ahmadi", "+15550000001", "sara@example.com", "sara.a", "female", []string{"vip", "newsletter"}, 14, 9, 820.5},
		{"Reza", "Karimi", "+15550000002", "reza@example.com", "", "male", []string{"newsletter"}, 3, 1, 45},
		{"Lena", "Fischer", "", "lena@example.com", "lena.f", "female", nil, 0, 0, 0},
		{"Omid", "Rahimi", "+15550000004", "", "", "male", []string{"lapsed"}, 6, 4, 210},
	}

	const q = `
INSERT INTO customers
    (tenant_id, first_name, last_name, phone, email, chat_a_user_id, gender, tags,
     visit_count, last_visit_at, booking_count, lifetime_spend)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	now := time.Now()
	for i, c := range customers {
		tags, err := json.Marshal(c.tags)
		if err != nil {
			return err
		}
		var lastVisit *time.Time
		if c.visits > 0 {
			t := now.AddDate(0, 0, -7*(i+1))
			lastVisit = &t
		}
		if _, err := dbx.ExecContext(ctx, q, tenantID, c.first, c.last, nullable(c.phone), nullable(c.email),
			nullable(c.chatA), c.gender, tags, c.visits, lastVisit, c.bookings, c.spend); err != nil {
			return fmt.Errorf("insert customer %s: %w", c.first, err)
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intptr(i int) *int { return &i }
