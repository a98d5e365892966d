package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/auth"
	"github.com/odyssey-erp/odyssey-rbac/internal/observability"
	_ "github.com/odyssey-erp/odyssey-rbac/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RBAC_CACHE_TTL", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 5*time.Minute, cfg.RBACCacheTTL)
	assert.Equal(t, "*/15 * * * *", cfg.RBACSweepCron)
	assert.Equal(t, 600, cfg.RBACRateLimit)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsShortSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestInTestModeFromEnv(t *testing.T) {
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Cleanup(RefreshTestMode)
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	assert.False(t, InTestMode())
}

func TestRouterHealthAndHeaders(t *testing.T) {
	cfg := &Config{AppEnv: "test", AppRequestTimeout: time.Second, APIRateLimit: 100}
	router := NewRouter(RouterParams{
		Config:  cfg,
		Tokens:  auth.NewTokens("0123456789abcdef0123456789abcdef", time.Hour),
		Metrics: observability.NewMetrics(),
	})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"status":"ok"}`, res.Body.String())
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))

	res = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "odyssey_http_requests_total")
}

func TestRouterRateLimit(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{APIRateLimit: 2}})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		res := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		router.ServeHTTP(res, req)
		codes = append(codes, res.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", "user_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "odyssey-rbac", line["service"])
	assert.EqualValues(t, 7, line["user_id"])

	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, parseLevel(" DEBUG "))
}
