package bootstrap

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func lookupMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestConfig_LoadEnv(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.loadEnv(lookupMap(map[string]string{
		"SERVER_PORT":         "9090",
		"PERSISTENCE_ENABLED": "false",
		"REDIS_DB":            "3",
		"RATE_LIMIT_WINDOW":   "2m",
		"ROOM_QUEUE_SIZE":     "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.False(t, cfg.PersistenceEnabled)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 2*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 256, cfg.RoomQueueSize)
}

func TestConfig_LoadEnvRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.loadEnv(lookupMap(map[string]string{
		"RATE_LIMIT_MAX":     "many",
		"SNAPSHOT_CACHE_TTL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX")
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"server_port: \"7000\"",
		"persistence_enabled: false",
		"log_level: debug",
		"snapshot_cache_ttl: 90s",
		"rate_limit_max: 5",
	}, "\n")), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7001")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7001", cfg.ServerPort)
	assert.False(t, cfg.PersistenceEnabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.SnapshotCacheTTL)
	assert.Equal(t, 5, cfg.RateLimitMax)
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	require.Error(t, cfg.validate(), "persistence needs a database")

	cfg.PersistenceEnabled = false
	cfg.LogLevel = "loud"
	require.NoError(t, cfg.validate())
	assert.Equal(t, "info", cfg.LogLevel)

	cfg.AppEnv = "production"
	require.Error(t, cfg.validate(), "production needs a JWT secret")
	cfg.JWTSecret = "secret"
	require.NoError(t, cfg.validate())
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	cfg := defaultConfig()
	cfg.PersistenceEnabled = false
	app, err := NewAppWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	return app
}

func TestNewAppWithConfig_MemoryOnly(t *testing.T) {
	app := newMemoryApp(t)
	assert.Nil(t, app.DB)
	assert.Nil(t, app.RedisClient)
	assert.Nil(t, app.Worker)

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/r1/nodes", strings.NewReader(`{"label":"root"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "alice")
	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/rooms/:roomId/nodes")
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	app := newMemoryApp(t)
	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/rooms/r1/nodes", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
