package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func parseReportFilter(c echo.Context) (repository.ReportFilter, string) {
	f := repository.ReportFilter{
		Limit:     queryInt(c, "limit", 50, 1000),
		Offset:    queryInt(c, "offset", 0, 0),
		BulkJobID: strings.TrimSpace(c.QueryParam("bulk_job_id")),
	}
	if raw := c.QueryParam("channel"); raw != "" {
		ch, ok := model.ParseChannel(raw)
		if !ok {
			return f, "invalid channel"
		}
		f.Channel = ch
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		st := model.MessageStatus(raw)
		if !st.Valid() {
			return f, "invalid status"
		}
		f.Status = st
	}
	switch d := model.Direction(c.QueryParam("direction")); d {
	case "":
	case model.DirectionInbound, model.DirectionOutbound:
		f.Direction = d
	default:
		return f, "invalid direction"
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, "invalid " + name
		}
		*dst = &t
	}
	return f, ""
}

func listMessagesHandler(reports repository.ReportsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		f, bad := parseReportFilter(c)
		if bad != "" {
			return badRequest(c, bad)
		}

		rows, err := reports.ListMessages(c.Request().Context(), tenantID, f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

func summaryHandler(reports repository.ReportsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		f, bad := parseReportFilter(c)
		if bad != "" {
			return badRequest(c, bad)
		}

		rows, err := reports.Summary(c.Request().Context(), tenantID, f)
		if err != nil {
			c.Logger().Errorf("clickhouse summary failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{"results": rows})
	}
}
