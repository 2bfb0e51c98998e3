package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/util"
)

// chat_a config keys.
const (
	ChatAAccessToken = "accessToken"
	ChatASecret      = "secret"
)

// ChatASignatureHeader carries base64(HMAC-SHA256(body, secret)).
const ChatASignatureHeader = "X-Line-Signature"

// ChatAAdapter speaks a LINE-style messaging API: bearer-authenticated push
// messages and signed webhook batches of {"events": [...]}.
type ChatAAdapter struct {
	ep   *endpoint
	mock bool
}

func NewChatAAdapter(opts Options) *ChatAAdapter {
	return &ChatAAdapter{
		ep:   newEndpoint(model.DefaultProviders[model.ChannelChatA], opts),
		mock: opts.Mock || opts.BaseURL == "",
	}
}

func (a *ChatAAdapter) Channel() model.Channel { return model.ChannelChatA }
func (a *ChatAAdapter) Provider() string       { return a.ep.provider }

func (a *ChatAAdapter) RequiredFields() []string {
	return []string{ChatAAccessToken, ChatASecret}
}

func (a *ChatAAdapter) ValidateConfig(cfg model.ChannelConfig) error {
	return validateRequired(model.ChannelChatA, a.RequiredFields(), cfg)
}

func (a *ChatAAdapter) TestConnection(ctx context.Context, cfg model.ChannelConfig) TestResult {
	if err := a.ValidateConfig(cfg); err != nil {
		return testFailed(err)
	}
	if a.mock {
		return testOK("configuration looks valid (mock check)")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ep.baseURL+"/v2/bot/info", nil)
	if err != nil {
		return testFailed(err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Get(ChatAAccessToken))
	if err := a.ep.do(req, nil, nil); err != nil {
		return testFailed(err)
	}
	return testOK("connected to " + a.ep.provider)
}

type chatAPushResponse struct {
	SentMessages []struct {
		ID string `json:"id"`
	} `json:"sentMessages"`
}

func chatAMessage(content string, typ model.MessageType) map[string]any {
	switch typ {
	case model.MessageTypeImage, model.MessageTypeVideo:
		return map[string]any{
			"type":               typ.String(),
			"originalContentUrl": content,
			"previewImageUrl":    content,
		}
	default:
		// files are not pushable; the link goes out as text
		return map[string]any{"type": "text", "text": content}
	}
}

func (a *ChatAAdapter) Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, error) {
	if to == "" {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, fmt.Errorf("empty recipient"))
	}
	if a.mock {
		return SendResult{ExternalID: "la-" + util.NewID()}, nil
	}

	b, _ := json.Marshal(map[string]any{
		"to":       to,
		"messages": []map[string]any{chatAMessage(content, typ)},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ep.baseURL+"/v2/bot/message/push", bytes.NewReader(b))
	if err != nil {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Get(ChatAAccessToken))

	var out chatAPushResponse
	if err := a.ep.do(req, &out, nil); err != nil {
		return SendResult{}, err
	}
	if len(out.SentMessages) > 0 {
		return SendResult{ExternalID: out.SentMessages[0].ID}, nil
	}
	return SendResult{}, nil
}

func (a *ChatAAdapter) SplitEvents(raw []byte) ([][]byte, error) {
	var body struct {
		Events *[]json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "invalid json")
	}
	if body.Events == nil {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "missing events")
	}
	return rawList(*body.Events), nil
}

type chatAEvent struct {
	Type   string `json:"type"`
	Source struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

func (a *ChatAAdapter) NormalizeInbound(event []byte) (model.InboundEvent, error) {
	var ev chatAEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "invalid json event")
	}
	if ev.Type == "" {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "missing event type")
	}
	if ev.Type != "message" {
		return model.InboundEvent{Kind: model.InboundIgnored}, nil
	}
	if ev.Message == nil || ev.Source.UserID == "" {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "message event without message or source")
	}

	out := model.InboundEvent{
		Kind:          model.InboundMessage,
		ChannelUserID: ev.Source.UserID,
		ExternalID:    ev.Message.ID,
	}
	switch ev.Message.Type {
	case "text":
		out.Type = model.MessageTypeText
		out.Content = ev.Message.Text
	case "image":
		out.Type = model.MessageTypeImage
		out.Content = "content:" + ev.Message.ID
	case "video":
		out.Type = model.MessageTypeVideo
		out.Content = "content:" + ev.Message.ID
	case "file", "audio":
		out.Type = model.MessageTypeFile
		out.Content = "content:" + ev.Message.ID
	default:
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatA.String(), "message type "+ev.Message.Type)
	}
	return out, nil
}

func (a *ChatAAdapter) VerifySignature(raw []byte, headers http.Header, secret string) bool {
	return verifyBase64(secret, raw, headers.Get(ChatASignatureHeader))
}

func (a *ChatAAdapter) SecretField() string { return ChatASecret }
