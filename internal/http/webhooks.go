package http

import (
	"io"
	"net/http"
	"strconv"

	"github.com/jmehdipour/msg-engine/internal/ingress"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

// webhookHandler is unauthenticated; the channel signature is the only check.
func webhookHandler(in *ingress.Ingress) echo.HandlerFunc {
	return func(c echo.Context) error {
		ch, ok := model.ParseChannel(c.Param("channel"))
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown channel"})
		}
		tenantID, err := strconv.ParseInt(c.Param("tenant"), 10, 64)
		if err != nil || tenantID <= 0 {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		}

		raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return badRequest(c, "unreadable body")
		}

		ack, err := in.Receive(c.Request().Context(), tenantID, ch, raw, c.Request().Header)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, ack)
	}
}
