// Package app builds the stores, services and job dispatch shared by the
// serve and worker commands.
package app

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/msg-engine/internal/bulk"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmehdipour/msg-engine/internal/db"
	"github.com/jmehdipour/msg-engine/internal/ingress"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/service/channelcfg"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/jmehdipour/msg-engine/internal/service/messaging"
	"github.com/jmehdipour/msg-engine/internal/targeting"
	"github.com/jmehdipour/msg-engine/internal/template"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// ClickHouse connects the reporting store; only the API reads it.
	ClickHouse bool
}

type App struct {
	Cfg        config.Config
	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB
	Redis      *redis.Client

	Tenants  *repository.TenantsRepositoryImpl
	Jobs     *repository.BulkJobsRepositoryImpl
	Outbox   *repository.OutboxRepositoryImpl
	Reports  repository.ReportsRepository
	Configs  *repository.ChannelConfigsRepositoryImpl
	Registry *channel.Registry
	Quota    *quota.Gate
	Leases   *lease.Manager

	Conversations *conversation.Service
	Messaging     *messaging.Service
	Channels      *channelcfg.Service
	Ingress       *ingress.Ingress
	Executor      *bulk.Executor
	Bulk          *bulk.Service
	Scheduler     *bulk.Scheduler

	// Pool is set in local dispatch mode; the owning command starts it.
	Pool *bulk.LocalPool
}

// New connects the stores and wires every service. Close releases the connections.
func New(cfg config.Config, opts Options) (*App, error) {
	a := &App{Cfg: cfg}

	var err error
	a.MySQL, err = db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.Redis, err = db.NewRedisClient(cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	if opts.ClickHouse {
		a.ClickHouse, err = db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.Reports = repository.NewReportsRepository(a.ClickHouse)
	}

	// repos (MySQL)
	a.Tenants = repository.NewTenantsRepository(a.MySQL)
	planLimits := repository.NewPlanLimitsRepository(a.MySQL)
	customers := repository.NewCustomersRepository(a.MySQL)
	a.Configs = repository.NewChannelConfigsRepository(a.MySQL)
	convRepo := repository.NewConversationsRepository(a.MySQL)
	msgRepo := repository.NewMessagesRepository(a.MySQL)
	a.Jobs = repository.NewBulkJobsRepository(a.MySQL)
	a.Outbox = repository.NewOutboxRepository(a.MySQL)

	// channels
	a.Registry = channel.NewDefaultRegistry(cfg.Channels)
	sender := channel.NewSender(a.Registry, channel.RetryPolicy{
		MaxAttempts: cfg.Bulk.MaxAttempts,
		BaseDelay:   cfg.Bulk.BackoffBase,
		MaxDelay:    cfg.Bulk.BackoffMax,
		Timeout:     cfg.Bulk.SendTimeout,
	})
	tpl := template.NewEngine()

	// Redis-backed coordination
	a.Quota = quota.NewGate(a.Redis, planLimits, cfg.Quota.KeyPrefix)
	a.Leases = lease.NewManager(a.Redis, cfg.Bulk.LeaseTTL)

	// services
	a.Conversations = conversation.New(convRepo, msgRepo)
	a.Messaging = messaging.New(a.Registry, a.Configs, customers, a.Quota, sender, a.Conversations, tpl)
	a.Channels = channelcfg.New(a.Configs, a.Registry)
	a.Ingress = ingress.New(a.Registry, a.Configs, customers, a.Conversations, a.Jobs)

	resolver := targeting.NewResolver(customers, cfg.Bulk.BatchSize)
	a.Executor = bulk.NewExecutor(a.Jobs, a.Configs, resolver, a.Registry, a.Quota, sender, a.Conversations, tpl,
		executorOptions(cfg.Bulk))

	var dispatcher bulk.Dispatcher
	switch strings.ToLower(cfg.Bulk.DispatchMode) {
	case bulk.DispatchOutbox:
		dispatcher = bulk.NewOutboxDispatcher(a.Outbox, cfg.Kafka.JobsTopic)
	case bulk.DispatchLocal, "":
		workers := cfg.Bulk.PoolWorkers
		a.Pool = bulk.NewLocalPool(a.Executor, workers, workers*16)
		dispatcher = a.Pool
	default:
		a.Close()
		return nil, fmt.Errorf("unknown bulk dispatch mode %q", cfg.Bulk.DispatchMode)
	}

	a.Bulk = bulk.NewService(a.Jobs, resolver, tpl, a.Leases, dispatcher, cfg.Bulk.PreviewMaxSize)

	var outbox repository.OutboxRepository
	if a.Pool == nil {
		outbox = a.Outbox
	}
	a.Scheduler = bulk.NewScheduler(a.Bulk, a.Jobs, a.Leases, dispatcher, outbox, cfg.Bulk.SchedulerPoll)
	return a, nil
}

func executorOptions(b config.BulkConfig) bulk.ExecutorOptions {
	opts := bulk.ExecutorOptions{
		BatchSize:          b.BatchSize,
		DefaultConcurrency: b.ConcurrencyFor("default"),
		Concurrency:        map[model.Channel]int{},
	}
	for _, ch := range model.Channels {
		opts.Concurrency[ch] = b.ConcurrencyFor(ch.String())
	}
	return opts
}

func (a *App) Close() {
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.MySQL != nil {
		_ = a.MySQL.Close()
	}
}

// LoadConfig reads the config at path and initializes the global logger from it.
func LoadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	return cfg, nil
}
