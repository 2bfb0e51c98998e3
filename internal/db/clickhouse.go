package db

import (
	"errors"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the reporting store, e.g.
// clickhouse://default:@localhost:9000/msgeng?dial_timeout=5s&compress=true
func NewClickHouseConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("empty ClickHouse DSN")
	}
	return open("clickhouse", cfg, 3*time.Second)
}
