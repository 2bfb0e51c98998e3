package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/msg-engine/internal/bulk"
	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/labstack/echo/v4"
)

// createdBy identifies the caller for audit; the api key itself is never stored.
func createdBy(c echo.Context) string {
	if u := strings.TrimSpace(c.Request().Header.Get("X-User")); u != "" {
		return u
	}
	return "api"
}

func createJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var spec bulk.JobSpec
		if err := c.Bind(&spec); err != nil {
			return badRequest(c, "bad request")
		}
		job, err := svc.CreateJob(c.Request().Context(), tenantID, createdBy(c), spec)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, job)
	}
}

type previewReq struct {
	bulk.JobSpec
	Size int `json:"size"`
}

func previewJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req previewReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		previews, err := svc.PreviewJob(c.Request().Context(), tenantID, req.JobSpec, req.Size)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(previews),
			"results": previews,
		})
	}
}

func startJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		job, err := svc.StartJob(c.Request().Context(), tenantID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, job)
	}
}

type scheduleReq struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func scheduleJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req scheduleReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		if req.ScheduledAt == nil {
			return badRequest(c, "scheduled_at is required")
		}
		job, err := svc.ScheduleJob(c.Request().Context(), tenantID, c.Param("id"), *req.ScheduledAt)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, job)
	}
}

func cancelJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		job, err := svc.CancelJob(c.Request().Context(), tenantID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, job)
	}
}

func getJobHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		job, err := svc.GetStatus(c.Request().Context(), tenantID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, job)
	}
}

func listJobsHandler(svc *bulk.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}

		f := bulk.HistoryFilter{
			Page:     queryInt(c, "page", 1, 0),
			PageSize: queryInt(c, "page_size", 20, 100),
		}
		if raw := c.QueryParam("status"); raw != "" {
			st := model.JobStatus(strings.ToLower(raw))
			if !st.Valid() {
				return badRequest(c, "invalid status")
			}
			f.Status = st
		}
		if raw := c.QueryParam("channel"); raw != "" {
			ch, ok := model.ParseChannel(raw)
			if !ok {
				return badRequest(c, "invalid channel")
			}
			f.Channel = ch
		}

		jobs, total, err := svc.ListHistory(c.Request().Context(), tenantID, f)
		if err != nil {
			return writeError(c, err)
		}
		if f.Page <= 0 {
			f.Page = 1
		}
		return c.JSON(http.StatusOK, map[string]any{
			"page":      f.Page,
			"page_size": f.PageSize,
			"total":     total,
			"results":   jobs,
		})
	}
}
