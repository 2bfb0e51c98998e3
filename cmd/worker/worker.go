package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address of the /metrics listener (empty disables it)")

	// attach subcommands
	cmd.AddCommand(executorCmd)
	cmd.AddCommand(schedulerCmd)

	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}

// serveMetrics exposes the default registry until ctx ends.
func serveMetrics(ctx context.Context) {
	metrics.MustRegister(prometheus.DefaultRegisterer)
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
