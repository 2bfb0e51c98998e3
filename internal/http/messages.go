package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/service/messaging"
	"github.com/labstack/echo/v4"
)

type sendMessageReq struct {
	CustomerID  int64  `json:"customer_id"`
	Channel     string `json:"channel"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func messageType(raw string) model.MessageType {
	if strings.TrimSpace(raw) == "" {
		return model.MessageTypeText
	}
	return model.MessageType(strings.ToLower(strings.TrimSpace(raw)))
}

func sendMessageHandler(svc *messaging.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req sendMessageReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		if req.CustomerID <= 0 {
			return badRequest(c, "customer_id is required")
		}
		ch, _ := model.ParseChannel(req.Channel)

		msg, err := svc.SendMessage(c.Request().Context(), messaging.Request{
			TenantID:   tenantID,
			CustomerID: req.CustomerID,
			Channel:    ch,
			Content:    req.Content,
			Type:       messageType(req.MessageType),
		})
		if err != nil {
			if msg != nil {
				// recorded as failed; the provider error is the response
				return c.JSON(http.StatusBadGateway, map[string]any{
					"error":       "provider_error",
					"description": err.Error(),
					"message":     msg,
				})
			}
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, map[string]any{"message": msg})
	}
}

type sendAllReq struct {
	CustomerID  int64  `json:"customer_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func sendAllChannelsHandler(svc *messaging.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req sendAllReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		if req.CustomerID <= 0 || strings.TrimSpace(req.Content) == "" {
			return badRequest(c, "customer_id and content are required")
		}

		results := svc.SendToAllChannels(c.Request().Context(), tenantID, req.CustomerID, req.Content, messageType(req.MessageType))
		sent := 0
		for _, r := range results {
			if r.Status == messaging.ResultSent {
				sent++
			}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"sent":    sent,
			"results": results,
		})
	}
}
