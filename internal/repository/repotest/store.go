// Package repotest provides in-memory implementations of the repository
// interfaces for service and executor tests.
package repotest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmoiron/sqlx"
)

// Store holds every table in memory behind one mutex.
type Store struct {
	mu sync.Mutex

	Tenants       map[int64]model.Tenant
	PlanLimits    map[string]model.PlanLimit // plan|feature
	Customers     map[int64]model.Customer
	Configs       map[string]model.ChannelConfig // tenant|channel
	Conversations map[string]model.Conversation
	Messages      map[string]model.Message
	Jobs          map[string]model.BulkMessageJob
	Outcomes      map[string][]model.RecipientOutcome // job id
	Outbox        []model.JobEnvelope

	nextConfigID int64
}

func New() *Store {
	return &Store{
		Tenants:       map[int64]model.Tenant{},
		PlanLimits:    map[string]model.PlanLimit{},
		Customers:     map[int64]model.Customer{},
		Configs:       map[string]model.ChannelConfig{},
		Conversations: map[string]model.Conversation{},
		Messages:      map[string]model.Message{},
		Jobs:          map[string]model.BulkMessageJob{},
		Outcomes:      map[string][]model.RecipientOutcome{},
	}
}

func configKey(tenantID int64, ch model.Channel) string {
	return strconv.FormatInt(tenantID, 10) + "|" + ch.String()
}

// AddCustomer stores c.
func (s *Store) AddCustomer(c model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Customers[c.ID] = c
}

// AddConfig stores cfg, assigning an id.
func (s *Store) AddConfig(cfg model.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConfigID++
	cfg.ID = s.nextConfigID
	s.Configs[configKey(cfg.TenantID, cfg.Channel)] = cfg
}

// Job returns a copy of the stored job.
func (s *Store) Job(id string) model.BulkMessageJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Jobs[id]
}

// MessagesOf returns messages of a conversation in insertion (id) order.
func (s *Store) MessagesOf(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.Messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllMessages returns every stored message sorted by id.
func (s *Store) AllMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- tenants / plans

type TenantsRepo struct{ *Store }

var _ repository.TenantsRepository = TenantsRepo{}

func (r TenantsRepo) GetByAPIKey(_ context.Context, apiKey string) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.Tenants {
		if t.APIKey == apiKey {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

func (r TenantsRepo) GetByID(_ context.Context, id int64) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.Tenants[id]; ok {
		return &t, nil
	}
	return nil, nil
}

type PlanLimitsRepo struct{ *Store }

var _ repository.PlanLimitsRepository = PlanLimitsRepo{}

func (r PlanLimitsRepo) GetPlanLimit(_ context.Context, tenantID int64, feature string) (*model.PlanLimit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tenants[tenantID]
	if !ok {
		return nil, nil
	}
	if pl, ok := r.PlanLimits[t.Plan+"|"+feature]; ok {
		return &pl, nil
	}
	return nil, nil
}

// ---- customers

type CustomersRepo struct{ *Store }

var _ repository.CustomersRepository = CustomersRepo{}

func (r CustomersRepo) GetByID(_ context.Context, tenantID, id int64) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.Customers[id]; ok && c.TenantID == tenantID {
		return &c, nil
	}
	return nil, nil
}

func (r CustomersRepo) FindByAddress(_ context.Context, tenantID int64, ch model.Channel, address string) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match *model.Customer
	for _, c := range r.Customers {
		if c.TenantID != tenantID || address == "" {
			continue
		}
		if strings.EqualFold(c.Address(ch), address) && (match == nil || c.ID < match.ID) {
			c := c
			match = &c
		}
	}
	return match, nil
}

func (r CustomersRepo) ListPage(_ context.Context, tenantID, afterID int64, limit int, ids []int64) ([]model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var all []model.Customer
	for _, c := range r.Customers {
		if c.TenantID == tenantID && c.ID > afterID && (len(ids) == 0 || want[c.ID]) {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ---- channel configs

type ChannelConfigsRepo struct{ *Store }

var _ repository.ChannelConfigsRepository = ChannelConfigsRepo{}

func copyConfig(c model.ChannelConfig) model.ChannelConfig {
	creds := make(map[string]string, len(c.Credentials))
	for k, v := range c.Credentials {
		creds[k] = v
	}
	c.Credentials = creds
	return c
}

func (r ChannelConfigsRepo) Get(_ context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Configs[configKey(tenantID, ch)]
	if !ok {
		return nil, nil
	}
	c = copyConfig(c)
	return &c, nil
}

func (r ChannelConfigsRepo) List(_ context.Context, tenantID int64) ([]model.ChannelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ChannelConfig
	for _, c := range r.Configs {
		if c.TenantID == tenantID {
			out = append(out, copyConfig(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r ChannelConfigsRepo) InsertIfMissing(_ context.Context, cfg model.ChannelConfig) error {
	r.mu.Lock()
	if _, ok := r.Configs[configKey(cfg.TenantID, cfg.Channel)]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	r.AddConfig(copyConfig(cfg))
	return nil
}

func (r ChannelConfigsRepo) Save(_ context.Context, cfg model.ChannelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := configKey(cfg.TenantID, cfg.Channel)
	if prev, ok := r.Configs[k]; ok {
		cfg.ID = prev.ID
		cfg.CreatedAt = prev.CreatedAt
	} else {
		r.nextConfigID++
		cfg.ID = r.nextConfigID
	}
	r.Configs[k] = copyConfig(cfg)
	return nil
}

func (r ChannelConfigsRepo) SetTestResult(_ context.Context, tenantID int64, ch model.Channel, status model.ConnectionStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := configKey(tenantID, ch)
	c, ok := r.Configs[k]
	if !ok {
		return nil
	}
	c.ConnectionStatus = status
	c.LastTestAt = &at
	r.Configs[k] = c
	return nil
}

// ---- conversations

type ConversationsRepo struct{ *Store }

var _ repository.ConversationsRepository = ConversationsRepo{}

func (r ConversationsRepo) GetOrCreate(_ context.Context, _ *sqlx.Tx, id string, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Conversations {
		if c.TenantID == tenantID && c.CustomerID == customerID && c.Channel == ch {
			return &c, nil
		}
	}
	now := time.Now().UTC()
	c := model.Conversation{ID: id, TenantID: tenantID, CustomerID: customerID, Channel: ch, CreatedAt: now, UpdatedAt: now}
	r.Conversations[id] = c
	return &c, nil
}

func (r ConversationsRepo) GetByID(_ context.Context, tenantID int64, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.Conversations[id]; ok && c.TenantID == tenantID {
		return &c, nil
	}
	return nil, nil
}

func (r ConversationsRepo) Touch(_ context.Context, _ *sqlx.Tx, id string, at time.Time, inbound bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Conversations[id]
	if !ok {
		return nil
	}
	c.LastMessageAt = &at
	c.Archived = false
	if inbound {
		c.UnreadCount++
	}
	r.Conversations[id] = c
	return nil
}

func (r ConversationsRepo) List(_ context.Context, tenantID int64, f repository.ConversationFilter) ([]model.Conversation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.Conversations {
		switch {
		case c.TenantID != tenantID,
			f.Channel != "" && c.Channel != f.Channel,
			f.Archived != nil && c.Archived != *f.Archived,
			f.UnreadOnly && c.UnreadCount == 0,
			f.CustomerID > 0 && c.CustomerID != f.CustomerID:
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (r ConversationsRepo) MarkRead(_ context.Context, tenantID int64, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Conversations[id]
	if !ok || c.TenantID != tenantID {
		return false, nil
	}
	c.UnreadCount = 0
	r.Conversations[id] = c
	for mid, m := range r.Messages {
		if m.ConversationID == id && m.Direction == model.DirectionInbound && m.ReadAt == nil {
			m.ReadAt = &at
			r.Messages[mid] = m
		}
	}
	return true, nil
}

func (r ConversationsRepo) SetArchived(_ context.Context, tenantID int64, id string, archived bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Conversations[id]
	if !ok || c.TenantID != tenantID {
		return false, nil
	}
	c.Archived = archived
	r.Conversations[id] = c
	return true, nil
}

// ---- messages

type MessagesRepo struct{ *Store }

var _ repository.MessagesRepository = MessagesRepo{}

func (r MessagesRepo) Insert(_ context.Context, _ *sqlx.Tx, m model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages[m.ID] = m
	return nil
}

func (r MessagesRepo) GetByExternalID(_ context.Context, tenantID int64, ch model.Channel, externalID string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match *model.Message
	for _, m := range r.Messages {
		if m.TenantID == tenantID && m.Channel == ch && m.ExternalID != nil && *m.ExternalID == externalID {
			if match == nil || m.ID > match.ID {
				m := m
				match = &m
			}
		}
	}
	return match, nil
}

func (r MessagesRepo) UpdateStatus(_ context.Context, id string, from, to model.MessageStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.Messages[id]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	r.Messages[id] = m
	return true, nil
}

func (r MessagesRepo) ListByConversation(_ context.Context, conversationID, beforeID string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.Messages {
		if m.ConversationID == conversationID && (beforeID == "" || m.ID < beforeID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- outbox

type OutboxRepo struct{ *Store }

var _ repository.OutboxRepository = OutboxRepo{}

func (r OutboxRepo) InsertJobEnvelope(_ context.Context, _ *sqlx.Tx, _ string, env model.JobEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outbox = append(r.Outbox, env)
	return nil
}

func (r OutboxRepo) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
