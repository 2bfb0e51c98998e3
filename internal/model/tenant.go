package model

import "time"

type Tenant struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	APIKey       string    `db:"api_key"`
	Plan         string    `db:"plan"`
	Status       string    `db:"status"`         // active|suspended
	RateLimitRPS *int      `db:"rate_limit_rps"` // nullable
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// PlanLimit is one feature ceiling of a subscription plan. A nil Limit is unlimited.
type PlanLimit struct {
	Plan    string `db:"plan"`
	Feature string `db:"feature"`
	Limit   *int64 `db:"msg_limit"`
	Enabled bool   `db:"enabled"`
}
