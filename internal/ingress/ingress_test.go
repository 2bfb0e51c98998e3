package ingress

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository/repotest"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const tenant int64 = 1

func setup(t *testing.T) (*Ingress, *repotest.Store) {
	t.Helper()
	st := repotest.New()
	convs := conversation.New(repotest.ConversationsRepo{Store: st}, repotest.MessagesRepo{Store: st})
	in := New(
		channel.NewDefaultRegistry(config.ChannelsConfig{}),
		repotest.ChannelConfigsRepo{Store: st},
		repotest.CustomersRepo{Store: st},
		convs,
		repotest.BulkJobsRepo{Store: st},
	)
	for _, ch := range model.Channels {
		st.AddConfig(model.DefaultChannelConfig(tenant, ch))
	}
	return in, st
}

func withSecret(st *repotest.Store, ch model.Channel, secret string) {
	cfg := model.DefaultChannelConfig(tenant, ch)
	cfg.WebhookSecret = &secret
	st.AddConfig(cfg)
}

func signedChatA(secret string, body []byte) http.Header {
	h := http.Header{}
	h.Set(channel.ChatASignatureHeader, channel.SignBase64(secret, body))
	return h
}

func TestEventsAreIsolated(t *testing.T) {
	in, st := setup(t)
	withSecret(st, model.ChannelChatA, "s3cret")
	st.AddCustomer(model.Customer{ID: 7, TenantID: tenant, FirstName: "Ann", ChatAUserID: "U1"})

	body := []byte(`{"events":[
		{"type":"message","source":{"userId":"U1"},"message":{"id":"m1","type":"text","text":"hello"}},
		{"type":"message","source":{"userId":"U9"},"message":{"id":"m2","type":"text","text":"who"}},
		{"type":"follow","source":{"userId":"U1"}},
		{"type":"message"}
	]}`)

	ack, err := in.Receive(context.Background(), tenant, model.ChannelChatA, body, signedChatA("s3cret", body))
	require.NoError(t, err)
	assert.Equal(t, Ack{Received: 4, Processed: 1, Skipped: 2, Failed: 1}, ack)

	msgs := st.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, model.DirectionInbound, msgs[0].Direction)

	conv := st.Conversations[msgs[0].ConversationID]
	assert.Equal(t, int64(7), conv.CustomerID)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestBadSignaturePersistsNothing(t *testing.T) {
	in, st := setup(t)
	withSecret(st, model.ChannelChatA, "s3cret")
	st.AddCustomer(model.Customer{ID: 7, TenantID: tenant, ChatAUserID: "U1"})

	body := []byte(`{"events":[{"type":"message","source":{"userId":"U1"},"message":{"id":"m1","type":"text","text":"hi"}}]}`)

	_, err := in.Receive(context.Background(), tenant, model.ChannelChatA, body, signedChatA("other", body))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = in.Receive(context.Background(), tenant, model.ChannelChatA, body, http.Header{})
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	assert.Empty(t, st.AllMessages())
	assert.Empty(t, st.Conversations)
}

func TestEmptySecretRejectsSignedChannel(t *testing.T) {
	in, _ := setup(t)
	body := []byte(`{"events":[]}`)

	_, err := in.Receive(context.Background(), tenant, model.ChannelChatA, body, signedChatA("", body))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestUnrecognizedBody(t *testing.T) {
	in, st := setup(t)
	withSecret(st, model.ChannelChatA, "s3cret")
	body := []byte(`not json`)

	_, err := in.Receive(context.Background(), tenant, model.ChannelChatA, body, signedChatA("s3cret", body))
	var up *apperr.UnrecognizedPayloadError
	assert.True(t, errors.As(err, &up))
}

func TestUnknownTenantConfig(t *testing.T) {
	in, _ := setup(t)
	_, err := in.Receive(context.Background(), 99, model.ChannelSMS, []byte("MessageSid=SM1&MessageStatus=delivered"), http.Header{})
	var nf *apperr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestDeliveryReceiptCountsOnce(t *testing.T) {
	in, st := setup(t)
	ctx := context.Background()

	jobID := "job-1"
	ext := "SM1"
	st.Jobs[jobID] = model.BulkMessageJob{ID: jobID, TenantID: tenant, Status: model.JobProcessing}
	st.Messages["msg-1"] = model.Message{
		ID:         "msg-1",
		TenantID:   tenant,
		Channel:    model.ChannelSMS,
		Direction:  model.DirectionOutbound,
		Status:     model.StatusSent,
		ExternalID: &ext,
		BulkJobID:  &jobID,
	}

	delivered := []byte("MessageSid=SM1&MessageStatus=delivered")
	ack, err := in.Receive(ctx, tenant, model.ChannelSMS, delivered, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Processed)
	assert.Equal(t, model.StatusDelivered, st.Messages["msg-1"].Status)
	assert.Equal(t, 1, st.Job(jobID).Delivered)

	ack, err = in.Receive(ctx, tenant, model.ChannelSMS, delivered, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Skipped)

	read := []byte("MessageSid=SM1&MessageStatus=read")
	ack, err = in.Receive(ctx, tenant, model.ChannelSMS, read, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Processed)
	assert.Equal(t, model.StatusRead, st.Messages["msg-1"].Status)
	assert.Equal(t, 1, st.Job(jobID).Delivered)
}

func TestReceiptForUnknownMessageIsSkipped(t *testing.T) {
	in, _ := setup(t)
	ack, err := in.Receive(context.Background(), tenant, model.ChannelSMS, []byte("MessageSid=SMX&MessageStatus=delivered"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, Ack{Received: 1, Skipped: 1}, ack)
}

func TestInboundSMSFromKnownCustomer(t *testing.T) {
	in, st := setup(t)
	st.AddCustomer(model.Customer{ID: 3, TenantID: tenant, Phone: "+14155550100"})

	ack, err := in.Receive(context.Background(), tenant, model.ChannelSMS,
		[]byte("MessageSid=SM9&From=%2B14155550100&Body=stop"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Processed)

	msgs := st.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "stop", msgs[0].Content)
	assert.Equal(t, model.ChannelSMS, msgs[0].Channel)
}

func TestUnsignedChannelLogsUnverifiedWebhook(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	in, st := setup(t)
	withSecret(st, model.ChannelSMS, "ignored")

	ack, err := in.Receive(context.Background(), tenant, model.ChannelSMS,
		[]byte("MessageSid=SM1&From=%2B14155550199&Body=hi"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Skipped)

	assert.Equal(t, 1, logs.FilterMessage("webhook signature verification unavailable").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("does not sign callbacks").Len())
}
