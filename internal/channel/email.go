package channel

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/util"
	"go.uber.org/zap"
)

// Email config keys.
const (
	EmailAccessKeyID     = "accessKeyId"
	EmailSecretAccessKey = "secretAccessKey"
	EmailRegion          = "region"
	EmailFromEmail       = "fromEmail"
	EmailFromName        = "fromName"
	EmailSubject         = "subject"
)

// SESAPI is the subset of the SES v2 client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESClientFactory builds a client for one tenant's credentials.
type SESClientFactory func(ctx context.Context, accessKey, secretKey, region string) (SESAPI, error)

func defaultSESFactory(ctx context.Context, accessKey, secretKey, region string) (SESAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return sesv2.NewFromConfig(cfg), nil
}

// EmailAdapter sends through AWS SES v2 with per-tenant credentials. Inbound
// mail and delivery events arrive as JSON from a relay (optionally wrapped in
// an SNS notification) and are not signed.
type EmailAdapter struct {
	mock          bool
	defaultRegion string
	factory       SESClientFactory
	br            *MicroBreaker

	mu      sync.Mutex
	clients map[string]sesEntry // by accessKeyId|region
}

// sesEntry remembers which secret a cached client was built with, so a
// credential update replaces it.
type sesEntry struct {
	secret [sha256.Size]byte
	client SESAPI
}

func NewEmailAdapter(opts Options, defaultRegion string, factory SESClientFactory) *EmailAdapter {
	if factory == nil {
		factory = defaultSESFactory
	}
	if defaultRegion == "" {
		defaultRegion = "us-east-1"
	}
	return &EmailAdapter{
		mock:          opts.Mock,
		defaultRegion: defaultRegion,
		factory:       factory,
		br:            NewMicroBreaker(model.DefaultProviders[model.ChannelEmail], opts.FailThreshold, opts.OpenFor),
		clients:       make(map[string]sesEntry),
	}
}

func (a *EmailAdapter) Channel() model.Channel { return model.ChannelEmail }
func (a *EmailAdapter) Provider() string       { return model.DefaultProviders[model.ChannelEmail] }

func (a *EmailAdapter) RequiredFields() []string {
	return []string{EmailAccessKeyID, EmailSecretAccessKey, EmailRegion, EmailFromEmail}
}

func (a *EmailAdapter) ValidateConfig(cfg model.ChannelConfig) error {
	if err := validateRequired(model.ChannelEmail, a.RequiredFields(), cfg); err != nil {
		return err
	}
	if !strings.Contains(cfg.Get(EmailFromEmail), "@") {
		return apperr.NewConfiguration(model.ChannelEmail.String(), "fromEmail is not an email address")
	}
	return nil
}

func (a *EmailAdapter) client(ctx context.Context, cfg model.ChannelConfig) (SESAPI, error) {
	region := cfg.Get(EmailRegion)
	if region == "" {
		region = a.defaultRegion
	}
	key := cfg.Get(EmailAccessKeyID) + "|" + region
	secret := sha256.Sum256([]byte(cfg.Get(EmailSecretAccessKey)))

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.clients[key]; ok && e.secret == secret {
		return e.client, nil
	}
	c, err := a.factory(ctx, cfg.Get(EmailAccessKeyID), cfg.Get(EmailSecretAccessKey), region)
	if err != nil {
		return nil, err
	}
	a.clients[key] = sesEntry{secret: secret, client: c}
	return c, nil
}

func (a *EmailAdapter) TestConnection(ctx context.Context, cfg model.ChannelConfig) TestResult {
	if err := a.ValidateConfig(cfg); err != nil {
		return testFailed(err)
	}
	if a.mock {
		return testOK("configuration looks valid (mock check)")
	}
	c, err := a.client(ctx, cfg)
	if err != nil {
		return testFailed(err)
	}
	out, err := c.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return testFailed(classifySES(err))
	}
	if !out.SendingEnabled {
		return testFailed(errors.New("SES sending is disabled for this account"))
	}
	return testOK("connected to ses")
}

func (a *EmailAdapter) Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, error) {
	if !strings.Contains(to, "@") {
		return SendResult{}, apperr.NewTerminal(a.Provider(), 0, fmt.Errorf("invalid recipient %q", to))
	}
	if a.mock {
		return SendResult{ExternalID: "ses-" + util.NewID()}, nil
	}
	if !a.br.TryAcquire() {
		return SendResult{}, apperr.NewRetryable(a.Provider(), 0, ErrBreakerOpen)
	}

	c, err := a.client(ctx, cfg)
	if err != nil {
		a.br.OnFailure()
		return SendResult{}, apperr.NewRetryable(a.Provider(), 0, err)
	}

	from := cfg.Get(EmailFromEmail)
	if name := cfg.Get(EmailFromName); name != "" {
		from = fmt.Sprintf("%s <%s>", name, from)
	}
	subject := cfg.Get(EmailSubject)
	if subject == "" {
		subject = "New message"
	}

	body := &types.Body{}
	switch {
	case typ != model.MessageTypeText:
		body.Text = &types.Content{Data: aws.String(content), Charset: aws.String("UTF-8")}
	case looksLikeHTML(content):
		body.Html = &types.Content{Data: aws.String(content), Charset: aws.String("UTF-8")}
	default:
		body.Text = &types.Content{Data: aws.String(content), Charset: aws.String("UTF-8")}
	}

	out, err := c.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	})
	if err != nil {
		perr := classifySES(err)
		if apperr.IsRetryable(perr) {
			a.br.OnFailure()
		} else {
			a.br.OnSuccess()
		}
		return SendResult{}, perr
	}
	a.br.OnSuccess()

	return SendResult{ExternalID: aws.ToString(out.MessageId)}, nil
}

// classifySES maps SDK errors onto ProviderError: throttling and server faults
// are retryable, everything SES rejects on the request itself is terminal.
func classifySES(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "ThrottlingException":
			return apperr.NewRetryable("ses", 0, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return apperr.NewRetryable("ses", 0, err)
		}
		return apperr.NewTerminal("ses", 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return apperr.NewTerminal("ses", 0, err)
	}
	return apperr.NewRetryable("ses", 0, err)
}

func looksLikeHTML(s string) bool {
	l := strings.ToLower(s)
	return strings.Contains(l, "<html") || strings.Contains(l, "<p>") || strings.Contains(l, "<br") || strings.Contains(l, "</")
}

// emailEvent is one relay event. Inbound mail uses From/Text; delivery
// receipts use MessageID/Status, or the SES event-publishing shape.
type emailEvent struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`

	EventType string `json:"eventType"`
	Mail      *struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func (a *EmailAdapter) SplitEvents(raw []byte) ([][]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "empty body")
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "invalid json array")
		}
		return rawList(list), nil
	}

	var probe struct {
		Events []json.RawMessage `json:"events"`
		snsEnvelope
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "invalid json")
	}
	switch {
	case probe.Events != nil:
		return rawList(probe.Events), nil
	case probe.snsEnvelope.Type == "Notification" && probe.Message != "":
		return [][]byte{[]byte(probe.Message)}, nil
	default:
		return [][]byte{raw}, nil
	}
}

var sesEventStatuses = map[string]model.MessageStatus{
	"Send":              model.StatusSent,
	"Delivery":          model.StatusDelivered,
	"Open":              model.StatusRead,
	"Bounce":            model.StatusFailed,
	"Reject":            model.StatusFailed,
	"Rendering Failure": model.StatusFailed,
}

func (a *EmailAdapter) NormalizeInbound(event []byte) (model.InboundEvent, error) {
	var ev emailEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "invalid json event")
	}

	switch {
	case ev.EventType != "" && ev.Mail != nil:
		st, ok := sesEventStatuses[ev.EventType]
		if !ok {
			return model.InboundEvent{Kind: model.InboundIgnored, ExternalID: ev.Mail.MessageID}, nil
		}
		return model.InboundEvent{Kind: model.InboundStatus, ExternalID: ev.Mail.MessageID, Status: st}, nil

	case ev.Type == "status" || (ev.Status != "" && ev.From == ""):
		st := model.MessageStatus(strings.ToLower(ev.Status))
		if ev.MessageID == "" || !st.Valid() {
			return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "bad status event")
		}
		return model.InboundEvent{Kind: model.InboundStatus, ExternalID: ev.MessageID, Status: st}, nil

	case ev.From != "":
		return model.InboundEvent{
			Kind:          model.InboundMessage,
			ChannelUserID: strings.ToLower(extractAddress(ev.From)),
			Content:       ev.Text,
			Type:          model.MessageTypeText,
			ExternalID:    ev.MessageID,
		}, nil

	default:
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelEmail.String(), "unknown event shape")
	}
}

// VerifySignature: the email relay does not sign its requests.
func (a *EmailAdapter) VerifySignature(_ []byte, _ http.Header, _ string) bool {
	logger.Log.Warn("webhook signature verification unavailable", zap.String("channel", model.ChannelEmail.String()))
	return true
}

// extractAddress returns the bare address of "Name <a@b>".
func extractAddress(s string) string {
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return strings.TrimSpace(s)
}

func rawList(list []json.RawMessage) [][]byte {
	out := make([][]byte, 0, len(list))
	for _, r := range list {
		out = append(out, r)
	}
	return out
}

func (a *EmailAdapter) SecretField() string { return "" }
