package db

import (
	"errors"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewMySQLConnection opens the primary store. The DSN must carry
// parseTime=true so DATETIME columns scan into time.Time.
func NewMySQLConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("empty MySQL DSN")
	}
	return open("mysql", cfg, 5*time.Second)
}
