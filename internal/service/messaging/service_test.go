package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/repository/repotest"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/jmehdipour/msg-engine/internal/template"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMsg struct {
	ch      model.Channel
	to      string
	content string
}

type fakeSender struct {
	mu   sync.Mutex
	errs map[model.Channel]error
	sent []sentMsg
}

func (f *fakeSender) Send(_ context.Context, cfg model.ChannelConfig, to, content string, _ model.MessageType) (channel.SendResult, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[cfg.Channel]; err != nil {
		return channel.SendResult{}, 3, err
	}
	f.sent = append(f.sent, sentMsg{ch: cfg.Channel, to: to, content: content})
	return channel.SendResult{ExternalID: "ext-" + cfg.Channel.String()}, 1, nil
}

type fixture struct {
	svc    *Service
	store  *repotest.Store
	sender *fakeSender
	mr     *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := repotest.New()
	st.Tenants[1] = model.Tenant{ID: 1, Name: "Salon", Plan: "basic", Status: "active"}

	registry := channel.NewDefaultRegistry(config.ChannelsConfig{
		Email: config.EmailChannelConfig{Mock: true},
	})
	sender := &fakeSender{errs: map[model.Channel]error{}}
	convs := conversation.New(repotest.ConversationsRepo{Store: st}, repotest.MessagesRepo{Store: st})
	gate := quota.NewGate(rdb, repotest.PlanLimitsRepo{Store: st}, "quota:")

	svc := New(registry, repotest.ChannelConfigsRepo{Store: st}, repotest.CustomersRepo{Store: st},
		gate, sender, convs, template.NewEngine())
	return &fixture{svc: svc, store: st, sender: sender, mr: mr}
}

func (f *fixture) configureAll() {
	f.store.AddConfig(model.ChannelConfig{TenantID: 1, Channel: model.ChannelSMS, Credentials: map[string]string{
		channel.SMSAccountID: "AC1", channel.SMSAuthToken: "tok", channel.SMSFromNumber: "+15550000000",
	}})
	f.store.AddConfig(model.ChannelConfig{TenantID: 1, Channel: model.ChannelEmail, Credentials: map[string]string{
		channel.EmailAccessKeyID: "AK", channel.EmailSecretAccessKey: "SK", channel.EmailRegion: "us-east-1",
		channel.EmailFromEmail: "hello@salon.test",
	}})
	f.store.AddConfig(model.ChannelConfig{TenantID: 1, Channel: model.ChannelChatA, Credentials: map[string]string{
		channel.ChatAAccessToken: "tok", channel.ChatASecret: "sec",
	}})
	f.store.AddConfig(model.ChannelConfig{TenantID: 1, Channel: model.ChannelChatB, Credentials: map[string]string{
		channel.ChatBAccessToken: "tok", channel.ChatBAppSecret: "sec", channel.ChatBPageID: "page",
	}})
}

func limit(n int64) *int64 { return &n }

func TestSendMessageRendersAndRecords(t *testing.T) {
	f := setup(t)
	f.configureAll()
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, FirstName: "Ana", Phone: "+15551234567"})

	m, err := f.svc.SendMessage(context.Background(), Request{
		TenantID: 1, CustomerID: 7, Channel: model.ChannelSMS, Content: "Hi {{ first_name }}!",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, m.Status)
	assert.Equal(t, "Hi Ana!", m.Content)
	require.NotNil(t, m.ExternalID)
	assert.Equal(t, "ext-sms", *m.ExternalID)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "+15551234567", f.sender.sent[0].to)
	assert.Len(t, f.store.Conversations, 1)
}

func TestSendMessageConfigurationErrors(t *testing.T) {
	f := setup(t)
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, Phone: "+15551234567"})
	ctx := context.Background()
	var cfgErr *apperr.ConfigurationError

	_, err := f.svc.SendMessage(ctx, Request{TenantID: 1, CustomerID: 7, Channel: model.ChannelSMS, Content: "x"})
	require.True(t, errors.As(err, &cfgErr))

	f.store.AddConfig(model.ChannelConfig{TenantID: 1, Channel: model.ChannelSMS, Credentials: map[string]string{
		channel.SMSAccountID: "AC1",
	}})
	_, err = f.svc.SendMessage(ctx, Request{TenantID: 1, CustomerID: 7, Channel: model.ChannelSMS, Content: "x"})
	require.True(t, errors.As(err, &cfgErr))
	assert.ElementsMatch(t, []string{channel.SMSAuthToken, channel.SMSFromNumber}, cfgErr.Missing)

	f.configureAll()
	_, err = f.svc.SendMessage(ctx, Request{TenantID: 1, CustomerID: 7, Channel: model.ChannelEmail, Content: "x"})
	require.True(t, errors.As(err, &cfgErr), "customer without email")

	var nf *apperr.NotFoundError
	_, err = f.svc.SendMessage(ctx, Request{TenantID: 1, CustomerID: 99, Channel: model.ChannelSMS, Content: "x"})
	require.True(t, errors.As(err, &nf))

	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.store.Messages)
}

func TestSendMessageQuota(t *testing.T) {
	f := setup(t)
	f.configureAll()
	f.store.PlanLimits["basic|messages_sms"] = model.PlanLimit{Plan: "basic", Feature: "messages_sms", Limit: limit(1), Enabled: true}
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, Phone: "+15551234567"})
	ctx := context.Background()
	req := Request{TenantID: 1, CustomerID: 7, Channel: model.ChannelSMS, Content: "x"}

	_, err := f.svc.SendMessage(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, req)
	var qe *apperr.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, quota.ReasonLimitReached, qe.Reason)
	assert.Len(t, f.sender.sent, 1)
}

func TestSendMessageProviderFailureReleasesQuota(t *testing.T) {
	f := setup(t)
	f.configureAll()
	f.store.PlanLimits["basic|messages_sms"] = model.PlanLimit{Plan: "basic", Feature: "messages_sms", Limit: limit(1), Enabled: true}
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, Phone: "+15551234567"})
	f.sender.errs[model.ChannelSMS] = apperr.NewTerminal("twilio", 400, errors.New("invalid number"))
	ctx := context.Background()
	req := Request{TenantID: 1, CustomerID: 7, Channel: model.ChannelSMS, Content: "x"}

	m, err := f.svc.SendMessage(ctx, req)
	require.Error(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.StatusFailed, m.Status)
	require.NotNil(t, m.Error)

	delete(f.sender.errs, model.ChannelSMS)
	m, err = f.svc.SendMessage(ctx, req)
	require.NoError(t, err, "failed send must not consume quota")
	assert.Equal(t, model.StatusSent, m.Status)
}

func TestSendToAllChannelsOnlyEmail(t *testing.T) {
	f := setup(t)
	f.configureAll()
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, FirstName: "Ana", Email: "ana@example.test"})

	results := f.svc.SendToAllChannels(context.Background(), 1, 7, "Hello {{ first_name }}", model.MessageTypeText)
	require.Len(t, results, 4)

	byCh := map[model.Channel]ChannelResult{}
	for _, r := range results {
		byCh[r.Channel] = r
	}
	assert.Equal(t, ResultSent, byCh[model.ChannelEmail].Status)
	require.NotNil(t, byCh[model.ChannelEmail].Message)
	assert.Equal(t, "Hello Ana", byCh[model.ChannelEmail].Message.Content)
	for _, ch := range []model.Channel{model.ChannelSMS, model.ChannelChatA, model.ChannelChatB} {
		assert.Equal(t, ResultSkipped, byCh[ch].Status, ch)
		assert.NotEmpty(t, byCh[ch].Error)
	}
}

func TestSendToAllChannelsReportsProviderFailure(t *testing.T) {
	f := setup(t)
	f.configureAll()
	f.store.AddCustomer(model.Customer{ID: 7, TenantID: 1, Phone: "+15551234567", ChatAUserID: "U1"})
	f.sender.errs[model.ChannelChatA] = apperr.NewRetryable("line", 503, errors.New("unavailable"))

	results := f.svc.SendToAllChannels(context.Background(), 1, 7, "x", "")
	assert.Equal(t, model.ChannelSMS, results[0].Channel)
	assert.Equal(t, ResultSent, results[0].Status)
	assert.Equal(t, ResultSkipped, results[1].Status)
	assert.Equal(t, ResultFailed, results[2].Status)
	assert.Equal(t, ResultSkipped, results[3].Status)
}
