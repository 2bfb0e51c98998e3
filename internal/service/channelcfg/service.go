// Package channelcfg manages the per-tenant provider configuration of each
// channel: safe defaults on provisioning, credential updates, connection
// tests and resets. Configurations are never deleted.
package channelcfg

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"go.uber.org/zap"
)

// View is the API shape of a config. Credential values are masked.
type View struct {
	Channel          model.Channel          `json:"channel"`
	Provider         string                 `json:"provider"`
	ConnectionStatus model.ConnectionStatus `json:"connection_status"`
	Configured       bool                   `json:"configured"`
	RequiredFields   []string               `json:"required_fields"`
	Credentials      map[string]string      `json:"credentials"`
	WebhookSecretSet bool                   `json:"webhook_secret_set"`
	LastTestAt       *time.Time             `json:"last_test_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Update is a partial change. Credentials are merged key by key; an empty
// value removes the key. A nil WebhookSecret leaves the secret unchanged.
type Update struct {
	Provider      string            `json:"provider"`
	Credentials   map[string]string `json:"credentials"`
	WebhookSecret *string           `json:"webhook_secret"`
}

type Service struct {
	repo     repository.ChannelConfigsRepository
	registry *channel.Registry
	now      func() time.Time
}

func New(repo repository.ChannelConfigsRepository, registry *channel.Registry) *Service {
	return &Service{repo: repo, registry: registry, now: time.Now}
}

func mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func (s *Service) view(cfg model.ChannelConfig) View {
	v := View{
		Channel:          cfg.Channel,
		Provider:         cfg.Provider,
		ConnectionStatus: cfg.ConnectionStatus,
		Credentials:      make(map[string]string, len(cfg.Credentials)),
		WebhookSecretSet: cfg.WebhookSecret != nil && *cfg.WebhookSecret != "",
		LastTestAt:       cfg.LastTestAt,
		UpdatedAt:        cfg.UpdatedAt,
	}
	for k, val := range cfg.Credentials {
		v.Credentials[k] = mask(val)
	}
	if a, err := s.registry.Get(cfg.Channel); err == nil {
		v.RequiredFields = a.RequiredFields()
		v.Configured = a.ValidateConfig(cfg) == nil
	}
	return v
}

// EnsureDefaults creates the disconnected default row of every channel the
// tenant does not have yet.
func (s *Service) EnsureDefaults(ctx context.Context, tenantID int64) error {
	for _, ch := range s.registry.Channels() {
		if err := s.repo.InsertIfMissing(ctx, model.DefaultChannelConfig(tenantID, ch)); err != nil {
			return fmt.Errorf("ensure %s config: %w", ch, err)
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error) {
	if _, err := s.registry.Get(ch); err != nil {
		return nil, apperr.NewValidation("channel", "unsupported channel")
	}
	cfg, err := s.repo.Get(ctx, tenantID, ch)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if err := s.EnsureDefaults(ctx, tenantID); err != nil {
		return nil, err
	}
	cfg, err = s.repo.Get(ctx, tenantID, ch)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, apperr.NewNotFound("channel config", ch.String())
	}
	return cfg, nil
}

func (s *Service) Get(ctx context.Context, tenantID int64, ch model.Channel) (View, error) {
	cfg, err := s.load(ctx, tenantID, ch)
	if err != nil {
		return View{}, err
	}
	return s.view(*cfg), nil
}

// List returns every channel's config in canonical channel order.
func (s *Service) List(ctx context.Context, tenantID int64) ([]View, error) {
	if err := s.EnsureDefaults(ctx, tenantID); err != nil {
		return nil, err
	}
	cfgs, err := s.repo.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	order := make(map[model.Channel]int, len(model.Channels))
	for i, ch := range model.Channels {
		order[ch] = i
	}
	sort.Slice(cfgs, func(i, j int) bool { return order[cfgs[i].Channel] < order[cfgs[j].Channel] })

	out := make([]View, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, s.view(c))
	}
	return out, nil
}

// Update merges credentials and drops the connection status back to
// disconnected until the next successful test.
func (s *Service) Update(ctx context.Context, tenantID int64, ch model.Channel, u Update) (View, error) {
	cfg, err := s.load(ctx, tenantID, ch)
	if err != nil {
		return View{}, err
	}
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]string{}
	}
	for k, v := range u.Credentials {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v = strings.TrimSpace(v); v == "" {
			delete(cfg.Credentials, k)
		} else {
			cfg.Credentials[k] = v
		}
	}
	if p := strings.TrimSpace(u.Provider); p != "" {
		cfg.Provider = p
	}
	if u.WebhookSecret != nil {
		if sec := strings.TrimSpace(*u.WebhookSecret); sec == "" {
			cfg.WebhookSecret = nil
		} else {
			cfg.WebhookSecret = &sec
		}
	}
	cfg.ConnectionStatus = model.ConnectionDisconnected
	cfg.UpdatedAt = s.now().UTC()

	if err := s.repo.Save(ctx, *cfg); err != nil {
		return View{}, fmt.Errorf("save %s config: %w", ch, err)
	}
	return s.view(*cfg), nil
}

// Test runs the adapter's connection test and stores the outcome.
func (s *Service) Test(ctx context.Context, tenantID int64, ch model.Channel) (channel.TestResult, error) {
	cfg, err := s.load(ctx, tenantID, ch)
	if err != nil {
		return channel.TestResult{}, err
	}
	a, err := s.registry.Get(ch)
	if err != nil {
		return channel.TestResult{}, err
	}

	res := a.TestConnection(ctx, *cfg)
	status := model.ConnectionConnected
	if !res.Success {
		status = model.ConnectionError
	}
	if err := s.repo.SetTestResult(ctx, tenantID, ch, status, s.now().UTC()); err != nil {
		return res, fmt.Errorf("store %s test result: %w", ch, err)
	}
	logger.Log.Info("channel connection tested",
		zap.Int64("tenant_id", tenantID),
		zap.String("channel", ch.String()),
		zap.Bool("success", res.Success),
	)
	return res, nil
}

// Reset returns the channel to its disconnected defaults.
func (s *Service) Reset(ctx context.Context, tenantID int64, ch model.Channel) (View, error) {
	if _, err := s.load(ctx, tenantID, ch); err != nil {
		return View{}, err
	}
	def := model.DefaultChannelConfig(tenantID, ch)
	def.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, def); err != nil {
		return View{}, fmt.Errorf("reset %s config: %w", ch, err)
	}
	return s.view(def), nil
}
