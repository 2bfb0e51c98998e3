package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/msg-engine/internal/bulk"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/ingress"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/service/channelcfg"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/jmehdipour/msg-engine/internal/service/messaging"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the services behind the API.
type Deps struct {
	Tenants       repository.TenantsRepository
	Reports       repository.ReportsRepository
	Messaging     *messaging.Service
	Conversations *conversation.Service
	Bulk          *bulk.Service
	Channels      *channelcfg.Service
	Quota         *quota.Gate
	Ingress       *ingress.Ingress
	Redis         *redis.Client
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// provider callbacks, authenticated by channel signature
	e.POST("/webhooks/:channel/:tenant", webhookHandler(d.Ingress))

	// middlewares
	authMW := middleware.APIKeyMiddleware(d.Tenants)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:tenant:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)

	v1.POST("/messages", sendMessageHandler(d.Messaging))
	v1.POST("/messages/all-channels", sendAllChannelsHandler(d.Messaging))

	v1.GET("/conversations", listConversationsHandler(d.Conversations))
	v1.GET("/conversations/:id/messages", listConversationMessagesHandler(d.Conversations))
	v1.POST("/conversations/:id/read", markReadHandler(d.Conversations))
	v1.POST("/conversations/:id/archive", archiveHandler(d.Conversations))

	v1.POST("/bulk-jobs", createJobHandler(d.Bulk))
	v1.POST("/bulk-jobs/preview", previewJobHandler(d.Bulk))
	v1.GET("/bulk-jobs", listJobsHandler(d.Bulk))
	v1.GET("/bulk-jobs/:id", getJobHandler(d.Bulk))
	v1.POST("/bulk-jobs/:id/start", startJobHandler(d.Bulk))
	v1.POST("/bulk-jobs/:id/schedule", scheduleJobHandler(d.Bulk))
	v1.POST("/bulk-jobs/:id/cancel", cancelJobHandler(d.Bulk))

	v1.GET("/channels", listChannelsHandler(d.Channels))
	v1.PUT("/channels/:channel", updateChannelHandler(d.Channels))
	v1.POST("/channels/:channel/test", testChannelHandler(d.Channels))
	v1.POST("/channels/:channel/reset", resetChannelHandler(d.Channels))
	v1.GET("/quota/:channel", quotaUsageHandler(d.Quota))

	v1.GET("/reports/messages", listMessagesHandler(d.Reports))
	v1.GET("/reports/summary", summaryHandler(d.Reports))

	return &Server{e: e}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	logger.Log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
