package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/msg-engine/internal/app"
	"github.com/jmehdipour/msg-engine/internal/db"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var withClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()

		stmts, err := migrations.MySQL()
		if err != nil {
			return err
		}
		if err := applyMySQL(ctx, mysqlDB, stmts); err != nil {
			return err
		}
		logger.Log.Info("mysql migration complete", zap.Int("statements", len(stmts)))

		if !withClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		chStmts, err := migrations.ClickHouse()
		if err != nil {
			return err
		}
		for _, s := range chStmts {
			if _, err := chDB.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
		}
		logger.Log.Info("clickhouse migration complete", zap.Int("statements", len(chStmts)))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also create the reporting tables in ClickHouse")
}

// applyMySQL runs stmts on a single connection so the foreign key toggle
// covers all of them.
func applyMySQL(ctx context.Context, dbx *sqlx.DB, stmts []string) error {
	conn, err := dbx.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("disable fk checks: %w", err)
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			_, _ = conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return fmt.Errorf("enable fk checks: %w", err)
	}
	return nil
}
