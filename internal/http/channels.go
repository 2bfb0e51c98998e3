package http

import (
	"net/http"

	"github.com/jmehdipour/msg-engine/internal/http/middleware"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/service/channelcfg"
	"github.com/labstack/echo/v4"
)

func channelParam(c echo.Context) (model.Channel, bool) {
	return model.ParseChannel(c.Param("channel"))
}

func listChannelsHandler(svc *channelcfg.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		views, err := svc.List(c.Request().Context(), tenantID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"results": views})
	}
}

func updateChannelHandler(svc *channelcfg.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		ch, ok := channelParam(c)
		if !ok {
			return badRequest(c, "invalid channel")
		}
		var u channelcfg.Update
		if err := c.Bind(&u); err != nil {
			return badRequest(c, "bad request")
		}
		view, err := svc.Update(c.Request().Context(), tenantID, ch, u)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func testChannelHandler(svc *channelcfg.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		ch, ok := channelParam(c)
		if !ok {
			return badRequest(c, "invalid channel")
		}
		res, err := svc.Test(c.Request().Context(), tenantID, ch)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func resetChannelHandler(svc *channelcfg.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		ch, ok := channelParam(c)
		if !ok {
			return badRequest(c, "invalid channel")
		}
		view, err := svc.Reset(c.Request().Context(), tenantID, ch)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func quotaUsageHandler(gate *quota.Gate) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		ch, ok := channelParam(c)
		if !ok {
			return badRequest(c, "invalid channel")
		}
		d, err := gate.Usage(c.Request().Context(), tenantID, ch)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"channel":       ch,
			"feature":       quota.Feature(ch),
			"allowed":       d.Allowed,
			"current_usage": d.CurrentUsage,
			"limit":         d.Limit,
			"period":        d.Period,
		})
	}
}
