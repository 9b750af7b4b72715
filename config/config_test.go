package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, CacheSQLite, cfg.CacheBackend)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 10*time.Second, cfg.HookTimeout)
	assert.Equal(t, 50, cfg.AuditTrailDefaultLimit)
	assert.Equal(t, 200, cfg.AuditTrailMaxLimit)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_YAMLFile(t *testing.T) {
	// GIVEN: a config file overriding a subset of fields
	path := writeFile(t, "config.yaml", `
server:
  http_port: 9090
  allowed_origins: ["http://localhost:5173"]
storage:
  db_path: /tmp/ledger.db
cache:
  backend: memory
  ttl: 2m
engine:
  query_timeout: 2s
  audit_max_limit: 100
log:
  level: debug
  format: json
`)

	// WHEN
	cfg, err := LoadFrom(path)

	// THEN: file values win, untouched fields keep defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "/tmp/ledger.db", cfg.DBPath)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 10*time.Second, cfg.HookTimeout)
	assert.Equal(t, 100, cfg.AuditTrailMaxLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  http_port: 9090\n")
	t.Setenv("SPLITLEDGER_HTTP_PORT", "7070")
	t.Setenv("SPLITLEDGER_QUERY_TIMEOUT", "750ms")
	t.Setenv("SPLITLEDGER_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, 750*time.Millisecond, cfg.QueryTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	// GIVEN: a .env file and a process variable for the same key
	env := writeFile(t, ".env", "SPLITLEDGER_LOG_LEVEL=warn\nSPLITLEDGER_AUDIT_DEFAULT_LIMIT=25\n")
	t.Setenv("SPLITLEDGER_LOG_LEVEL", "error")
	// godotenv sets variables directly; register cleanup for the one we expect it to add
	t.Setenv("SPLITLEDGER_AUDIT_DEFAULT_LIMIT", "")
	require.NoError(t, os.Unsetenv("SPLITLEDGER_AUDIT_DEFAULT_LIMIT"))

	cfg, err := LoadFrom("", env)
	require.NoError(t, err)

	// THEN: the process environment wins over .env
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 25, cfg.AuditTrailDefaultLimit)
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	_, err := LoadFrom("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Run("integer", func(t *testing.T) {
		t.Setenv("SPLITLEDGER_HTTP_PORT", "eighty")
		_, err := LoadFrom("")
		assert.ErrorContains(t, err, "SPLITLEDGER_HTTP_PORT")
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("SPLITLEDGER_HOOK_TIMEOUT", "soon")
		_, err := LoadFrom("")
		assert.ErrorContains(t, err, "SPLITLEDGER_HOOK_TIMEOUT")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.CacheBackend = "memcached" }, "unknown cache backend"},
		{"redis without url", func(c *Config) { c.CacheBackend = CacheRedis }, "redis url"},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }, "query timeout"},
		{"negative hook timeout", func(c *Config) { c.HookTimeout = -time.Second }, "hook timeout"},
		{"port", func(c *Config) { c.HTTPPort = 70000 }, "http port"},
		{"default above max", func(c *Config) { c.AuditTrailDefaultLimit = 500 }, "audit default limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("redis with url", func(t *testing.T) {
		cfg := Default()
		cfg.CacheBackend = CacheRedis
		cfg.RedisURL = "redis://localhost:6379/0"
		assert.NoError(t, cfg.Validate())
	})
}
