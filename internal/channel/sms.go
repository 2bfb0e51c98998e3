package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/util"
	"go.uber.org/zap"
)

// SMS config keys.
const (
	SMSAccountID  = "accountId"
	SMSAuthToken  = "authToken"
	SMSFromNumber = "fromNumber"
)

// SMSAdapter talks to a Twilio-style REST API: form-encoded POST to
// /Accounts/{accountId}/Messages.json with basic auth. Inbound messages and
// status callbacks arrive form-encoded and are not signed.
type SMSAdapter struct {
	ep        *endpoint
	mock      bool
	defaultCC string
}

func NewSMSAdapter(opts Options, defaultCountryCode string) *SMSAdapter {
	return &SMSAdapter{
		ep:        newEndpoint(model.DefaultProviders[model.ChannelSMS], opts),
		mock:      opts.Mock || opts.BaseURL == "",
		defaultCC: defaultCountryCode,
	}
}

func (a *SMSAdapter) Channel() model.Channel { return model.ChannelSMS }
func (a *SMSAdapter) Provider() string       { return a.ep.provider }

func (a *SMSAdapter) RequiredFields() []string {
	return []string{SMSAccountID, SMSAuthToken, SMSFromNumber}
}

func (a *SMSAdapter) ValidateConfig(cfg model.ChannelConfig) error {
	return validateRequired(model.ChannelSMS, a.RequiredFields(), cfg)
}

func (a *SMSAdapter) TestConnection(ctx context.Context, cfg model.ChannelConfig) TestResult {
	if err := a.ValidateConfig(cfg); err != nil {
		return testFailed(err)
	}
	if a.mock {
		return testOK("configuration looks valid (mock check)")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.ep.baseURL+"/Accounts/"+url.PathEscape(cfg.Get(SMSAccountID))+".json", nil)
	if err != nil {
		return testFailed(err)
	}
	req.SetBasicAuth(cfg.Get(SMSAccountID), cfg.Get(SMSAuthToken))

	if err := a.ep.do(req, nil, nil); err != nil {
		return testFailed(err)
	}
	return testOK("connected to " + a.ep.provider)
}

type smsSendResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (a *SMSAdapter) Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, error) {
	phone := util.NormalizePhone(to, a.defaultCC)
	if phone == "" {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, fmt.Errorf("invalid recipient %q", to))
	}
	if a.mock {
		return SendResult{ExternalID: "SM" + util.NewID()}, nil
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", cfg.Get(SMSFromNumber))
	if typ == model.MessageTypeText {
		form.Set("Body", content)
	} else {
		form.Set("MediaUrl", content)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.ep.baseURL+"/Accounts/"+url.PathEscape(cfg.Get(SMSAccountID))+"/Messages.json",
		strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cfg.Get(SMSAccountID), cfg.Get(SMSAuthToken))

	var out smsSendResponse
	if err := a.ep.do(req, &out, nil); err != nil {
		return SendResult{}, err
	}
	return SendResult{ExternalID: out.SID}, nil
}

// SplitEvents: a form-encoded callback carries exactly one event.
func (a *SMSAdapter) SplitEvents(raw []byte) ([][]byte, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelSMS.String(), "empty body")
	}
	return [][]byte{raw}, nil
}

var smsStatuses = map[string]model.MessageStatus{
	"sent":        model.StatusSent,
	"delivered":   model.StatusDelivered,
	"read":        model.StatusRead,
	"failed":      model.StatusFailed,
	"undelivered": model.StatusFailed,
}

func (a *SMSAdapter) NormalizeInbound(event []byte) (model.InboundEvent, error) {
	vals, err := url.ParseQuery(string(event))
	if err != nil {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelSMS.String(), "not form encoded")
	}

	sid := vals.Get("MessageSid")
	if sid == "" {
		sid = vals.Get("SmsSid")
	}
	if sid == "" {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelSMS.String(), "missing MessageSid")
	}

	// status callback
	if st := vals.Get("MessageStatus"); st != "" && vals.Get("Body") == "" && vals.Get("NumMedia") == "" {
		mapped, ok := smsStatuses[strings.ToLower(st)]
		if !ok {
			return model.InboundEvent{Kind: model.InboundIgnored, ExternalID: sid}, nil
		}
		return model.InboundEvent{Kind: model.InboundStatus, ExternalID: sid, Status: mapped}, nil
	}

	from := vals.Get("From")
	if from == "" {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelSMS.String(), "missing From")
	}

	ev := model.InboundEvent{
		Kind:          model.InboundMessage,
		ChannelUserID: util.NormalizePhone(from, a.defaultCC),
		Content:       vals.Get("Body"),
		Type:          model.MessageTypeText,
		ExternalID:    sid,
	}
	if n, _ := strconv.Atoi(vals.Get("NumMedia")); n > 0 {
		ev.Type = mediaType(vals.Get("MediaContentType0"))
		if ev.Content == "" {
			ev.Content = vals.Get("MediaUrl0")
		}
	}
	return ev, nil
}

// VerifySignature: the SMS provider does not sign callbacks.
func (a *SMSAdapter) VerifySignature(_ []byte, _ http.Header, _ string) bool {
	logger.Log.Warn("webhook signature verification unavailable", zap.String("channel", model.ChannelSMS.String()))
	return true
}

// mediaType maps a MIME type onto a message type.
func mediaType(mime string) model.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.MessageTypeImage
	case strings.HasPrefix(mime, "video/"):
		return model.MessageTypeVideo
	default:
		return model.MessageTypeFile
	}
}

func (a *SMSAdapter) SecretField() string { return "" }
