package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/msg-engine/internal/app"
	"github.com/jmehdipour/msg-engine/internal/bulk"
	"github.com/jmehdipour/msg-engine/internal/kafka"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run bulk jobs handed over through the Kafka jobs topic",
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

		topic := cfg.Kafka.JobsTopic
		if topic == "" {
			topic = bulk.JobsTopic
		}
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "msgeng-executor"
		}

		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		defer consumer.Close()

		w := worker.NewJobConsumer(consumer, a.Jobs, a.Leases, a.Executor, cfg.Bulk.PoolWorkers)

		// graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		serveMetrics(ctx)

		logger.Log.Info("executor started",
			zap.String("topic", consumer.Topic()),
			zap.String("group", consumer.Group()),
			zap.Int("workers", w.Workers),
		)
		return w.Run(ctx)
	},
}
