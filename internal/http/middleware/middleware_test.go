package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository/repotest"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEcho(t *testing.T, rpsOverride *int) (*echo.Echo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := repotest.New()
	st.Tenants[1] = model.Tenant{ID: 1, Name: "acme", APIKey: "key-1", Plan: "pro", Status: "active", RateLimitRPS: rpsOverride}
	st.Tenants[2] = model.Tenant{ID: 2, Name: "gone", APIKey: "key-2", Plan: "pro", Status: "suspended"}

	e := echo.New()
	g := e.Group("",
		APIKeyMiddleware(repotest.TenantsRepo{Store: st}),
		RateLimitMiddleware(RateLimitConfig{Redis: rdb, DefaultRPS: 2, Window: time.Minute, RetryAfterHint: true}),
	)
	g.GET("/whoami", func(c echo.Context) error {
		id, _ := TenantIDFromCtx(c)
		return c.JSON(http.StatusOK, map[string]int64{"tenant_id": id})
	})
	return e, mr
}

func do(e *echo.Echo, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPIKey(t *testing.T) {
	e, _ := newEcho(t, nil)

	assert.Equal(t, http.StatusUnauthorized, do(e, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "key-2").Code)

	rec := do(e, "key-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant_id":1}`, rec.Body.String())
}

func TestRateLimitPerTenant(t *testing.T) {
	e, _ := newEcho(t, nil)

	first := do(e, "key-1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, do(e, "key-1").Code)

	rec := do(e, "key-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitTenantOverride(t *testing.T) {
	rps := 3
	e, _ := newEcho(t, &rps)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(e, "key-1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(e, "key-1").Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	e, mr := newEcho(t, nil)
	mr.Close()

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(e, "key-1").Code)
	}
}
