package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/msg-engine/internal/app"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start due scheduled jobs and recover jobs whose executor died",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(configPath(cmd))
		if err != nil {
			return err
		}

		a, err := app.New(cfg, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		serveMetrics(ctx)

		// local dispatch runs the jobs this scheduler starts in-process
		if a.Pool != nil {
			a.Pool.Start(ctx)
			defer a.Pool.Wait()
		}
		return a.Scheduler.Run(ctx)
	},
}
