package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/util"
)

// chat_b config keys.
const (
	ChatBAccessToken = "accessToken"
	ChatBAppSecret   = "appSecret"
	ChatBPageID      = "pageId"
)

// ChatBSignatureHeader carries "sha256=" + hex(HMAC-SHA256(body, appSecret)).
const ChatBSignatureHeader = "X-Hub-Signature-256"

// ChatBAdapter speaks a Messenger-style Graph API: page-scoped send endpoint
// and signed webhook batches of {"entry": [{"messaging": [...]}]}.
type ChatBAdapter struct {
	ep   *endpoint
	mock bool
}

func NewChatBAdapter(opts Options) *ChatBAdapter {
	return &ChatBAdapter{
		ep:   newEndpoint(model.DefaultProviders[model.ChannelChatB], opts),
		mock: opts.Mock || opts.BaseURL == "",
	}
}

func (a *ChatBAdapter) Channel() model.Channel { return model.ChannelChatB }
func (a *ChatBAdapter) Provider() string       { return a.ep.provider }

func (a *ChatBAdapter) RequiredFields() []string {
	return []string{ChatBAccessToken, ChatBAppSecret, ChatBPageID}
}

func (a *ChatBAdapter) ValidateConfig(cfg model.ChannelConfig) error {
	return validateRequired(model.ChannelChatB, a.RequiredFields(), cfg)
}

func (a *ChatBAdapter) TestConnection(ctx context.Context, cfg model.ChannelConfig) TestResult {
	if err := a.ValidateConfig(cfg); err != nil {
		return testFailed(err)
	}
	if a.mock {
		return testOK("configuration looks valid (mock check)")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ep.baseURL+"/me", nil)
	if err != nil {
		return testFailed(err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Get(ChatBAccessToken))
	if err := a.ep.do(req, nil, classifyGraphError); err != nil {
		return testFailed(err)
	}
	return testOK("connected to " + a.ep.provider)
}

type graphErrorBody struct {
	Error struct {
		Code        int  `json:"code"`
		IsTransient bool `json:"is_transient"`
	} `json:"error"`
}

// classifyGraphError: the Graph API reports throttling (codes 4, 17, 32, 613)
// and transient faults with a 400.
func classifyGraphError(_ int, body []byte) bool {
	var ge graphErrorBody
	if json.Unmarshal(body, &ge) != nil {
		return false
	}
	switch ge.Error.Code {
	case 4, 17, 32, 613:
		return true
	}
	return ge.Error.IsTransient
}

type chatBSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *ChatBAdapter) Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, error) {
	if to == "" {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, fmt.Errorf("empty recipient"))
	}
	if a.mock {
		return SendResult{ExternalID: "m_" + util.NewID()}, nil
	}

	msg := map[string]any{"text": content}
	if typ != model.MessageTypeText {
		msg = map[string]any{
			"attachment": map[string]any{
				"type":    typ.String(),
				"payload": map[string]any{"url": content, "is_reusable": true},
			},
		}
	}
	b, _ := json.Marshal(map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "MESSAGE_TAG",
		"tag":            "ACCOUNT_UPDATE",
		"message":        msg,
	})

	u := a.ep.baseURL + "/" + url.PathEscape(cfg.Get(ChatBPageID)) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return SendResult{}, apperr.NewTerminal(a.ep.provider, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Get(ChatBAccessToken))

	var out chatBSendResponse
	if err := a.ep.do(req, &out, classifyGraphError); err != nil {
		return SendResult{}, err
	}
	return SendResult{ExternalID: out.MessageID}, nil
}

func (a *ChatBAdapter) SplitEvents(raw []byte) ([][]byte, error) {
	var body struct {
		Object string `json:"object"`
		Entry  *[]struct {
			Messaging []json.RawMessage `json:"messaging"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelChatB.String(), "invalid json")
	}
	if body.Entry == nil {
		return nil, apperr.NewUnrecognizedPayload(model.ChannelChatB.String(), "missing entry")
	}

	var out [][]byte
	for _, e := range *body.Entry {
		out = append(out, rawList(e.Messaging)...)
	}
	return out, nil
}

type chatBEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		MIDs []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

func (a *ChatBAdapter) NormalizeInbound(event []byte) (model.InboundEvent, error) {
	var ev chatBEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatB.String(), "invalid json event")
	}

	switch {
	case ev.Message != nil:
		if ev.Message.IsEcho {
			return model.InboundEvent{Kind: model.InboundIgnored, ExternalID: ev.Message.MID}, nil
		}
		if ev.Sender.ID == "" {
			return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatB.String(), "message without sender")
		}
		out := model.InboundEvent{
			Kind:          model.InboundMessage,
			ChannelUserID: ev.Sender.ID,
			Content:       ev.Message.Text,
			Type:          model.MessageTypeText,
			ExternalID:    ev.Message.MID,
		}
		if ev.Message.Text == "" && len(ev.Message.Attachments) > 0 {
			att := ev.Message.Attachments[0]
			out.Content = att.Payload.URL
			switch att.Type {
			case "image":
				out.Type = model.MessageTypeImage
			case "video":
				out.Type = model.MessageTypeVideo
			default:
				out.Type = model.MessageTypeFile
			}
		}
		return out, nil

	case ev.Delivery != nil:
		if len(ev.Delivery.MIDs) == 0 {
			return model.InboundEvent{Kind: model.InboundIgnored}, nil
		}
		return model.InboundEvent{Kind: model.InboundStatus, ExternalID: ev.Delivery.MIDs[0], Status: model.StatusDelivered}, nil

	case ev.Read != nil:
		// read receipts carry a watermark, not message ids
		return model.InboundEvent{Kind: model.InboundIgnored}, nil

	default:
		return model.InboundEvent{}, apperr.NewUnrecognizedPayload(model.ChannelChatB.String(), "unknown messaging event")
	}
}

func (a *ChatBAdapter) VerifySignature(raw []byte, headers http.Header, secret string) bool {
	return verifyHexSHA256(secret, raw, headers.Get(ChatBSignatureHeader))
}

func (a *ChatBAdapter) SecretField() string { return ChatBAppSecret }
