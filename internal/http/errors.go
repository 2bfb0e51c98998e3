package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// writeError maps service errors onto status codes and the {"error": ...} body.
func writeError(c echo.Context, err error) error {
	var (
		validation *apperr.ValidationError
		quota      *apperr.QuotaExceededError
		notFound   *apperr.NotFoundError
		state      *apperr.InvalidStateError
		cfg        *apperr.ConfigurationError
		payload    *apperr.UnrecognizedPayloadError
		provider   *apperr.ProviderError
	)
	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "validation_error", "field": validation.Field, "description": validation.Reason})
	case errors.As(err, &payload):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unrecognized_payload", "description": payload.Error()})
	case errors.As(err, &quota):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":         "quota_exceeded",
			"feature":       quota.Feature,
			"reason":        quota.Reason,
			"current_usage": quota.CurrentUsage,
			"limit":         quota.Limit,
		})
	case errors.Is(err, apperr.ErrInvalidSignature):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid_signature"})
	case errors.As(err, &notFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found", "description": notFound.Error()})
	case errors.Is(err, apperr.ErrAlreadyRunning):
		return c.JSON(http.StatusConflict, map[string]string{"error": "already_running"})
	case errors.As(err, &state):
		return c.JSON(http.StatusConflict, map[string]string{"error": "invalid_state", "description": state.Error()})
	case errors.As(err, &cfg):
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":          "channel_not_configured",
			"channel":        cfg.Channel,
			"missing_fields": cfg.Missing,
			"description":    cfg.Error(),
		})
	case errors.As(err, &provider):
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":       "provider_error",
			"retryable":   provider.Retryable,
			"description": provider.Error(),
		})
	default:
		log.Errorf("request %s %s failed: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
