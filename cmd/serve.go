package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmehdipour/msg-engine/internal/app"
	httpSrv "github.com/jmehdipour/msg-engine/internal/http"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP API (and, in local dispatch mode, the bulk pool and scheduler)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}

		a, err := app.New(cfg, app.Options{ClickHouse: true})
		if err != nil {
			return err
		}
		defer a.Close()

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Tenants:       a.Tenants,
			Reports:       a.Reports,
			Messaging:     a.Messaging,
			Conversations: a.Conversations,
			Bulk:          a.Bulk,
			Channels:      a.Channels,
			Quota:         a.Quota,
			Ingress:       a.Ingress,
			Redis:         a.Redis,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// background work runs on its own context so in-flight batches are
		// abandoned only after the listener has drained
		bgCtx, bgCancel := context.WithCancel(context.Background())
		var bg sync.WaitGroup
		if a.Pool != nil {
			a.Pool.Start(bgCtx)
			bg.Add(1)
			go func() {
				defer bg.Done()
				_ = a.Scheduler.Run(bgCtx)
			}()
			logger.Log.Info("bulk jobs run in-process", zap.Int("workers", cfg.Bulk.PoolWorkers))
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			logger.Log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		bgCancel()
		if a.Pool != nil {
			a.Pool.Wait()
		}
		bg.Wait()
		return nil
	},
}
