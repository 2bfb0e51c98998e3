package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/labstack/echo/v4"
)

// queryInt reads a positive int query param, falling back to def and
// capping at max when max > 0.
func queryInt(c echo.Context, name string, def, max int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func listConversationsHandler(svc *conversation.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}

		f := repository.ConversationFilter{
			Limit:  queryInt(c, "limit", 20, 100),
			Offset: queryInt(c, "offset", 0, 0),
		}
		if f.Limit == 0 {
			f.Limit = 20
		}
		if raw := c.QueryParam("channel"); raw != "" {
			ch, ok := model.ParseChannel(raw)
			if !ok {
				return badRequest(c, "invalid channel")
			}
			f.Channel = ch
		}
		if raw := strings.TrimSpace(c.QueryParam("archived")); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return badRequest(c, "invalid archived")
			}
			f.Archived = &b
		}
		f.UnreadOnly = c.QueryParam("unread") == "true"
		if raw := c.QueryParam("customer_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return badRequest(c, "invalid customer_id")
			}
			f.CustomerID = id
		}

		convs, total, err := svc.List(c.Request().Context(), tenantID, f)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"total":   total,
			"results": convs,
		})
	}
}

func listConversationMessagesHandler(svc *conversation.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		p := conversation.Paging{
			Limit:    queryInt(c, "limit", 50, 200),
			BeforeID: c.QueryParam("before_id"),
		}
		if p.Limit == 0 {
			p.Limit = 50
		}
		msgs, err := svc.ListMessages(c.Request().Context(), tenantID, c.Param("id"), p)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(msgs),
			"results": msgs,
		})
	}
}

func markReadHandler(svc *conversation.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		if err := svc.MarkRead(c.Request().Context(), tenantID, c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func archiveHandler(svc *conversation.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		if err := svc.Archive(c.Request().Context(), tenantID, c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
