// Package config resolves runtime configuration for the server.
//
// Priority, lowest to highest: defaults, YAML file, .env file, environment
// (SPLITLEDGER_*), command-line flags (applied by cmd/server).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SPLITLEDGER_"

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

type Config struct {
	HTTPPort int
	DBPath   string

	CacheBackend string
	RedisURL     string
	CacheTTL     time.Duration

	QueryTimeout time.Duration
	HookTimeout  time.Duration

	AuditTrailDefaultLimit int
	AuditTrailMaxLimit     int

	LogLevel  string
	LogFormat string

	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// configFile mirrors the YAML schema (see config.example.yaml).
type configFile struct {
	Server struct {
		HTTPPort        int           `yaml:"http_port"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Cache struct {
		Backend  string        `yaml:"backend"`
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	Engine struct {
		QueryTimeout      time.Duration `yaml:"query_timeout"`
		HookTimeout       time.Duration `yaml:"hook_timeout"`
		AuditDefaultLimit int           `yaml:"audit_default_limit"`
		AuditMaxLimit     int           `yaml:"audit_max_limit"`
	} `yaml:"engine"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:               8080,
		DBPath:                 "./data/splitledger.db",
		CacheBackend:           CacheSQLite,
		QueryTimeout:           5 * time.Second,
		HookTimeout:            10 * time.Second,
		AuditTrailDefaultLimit: 50,
		AuditTrailMaxLimit:     200,
		LogLevel:               "info",
		LogFormat:              "text",
		AllowedOrigins:         []string{"*"},
		ShutdownTimeout:        10 * time.Second,
	}
}

// Load reads path (optional) and ./.env (optional), then the environment.
func Load(path string) (Config, error) {
	return LoadFrom(path, ".env")
}

// LoadFrom is Load with explicit .env files. Missing .env files are
// skipped; a named config file that does not exist is an error.
func LoadFrom(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}

	for _, f := range envFiles {
		// godotenv never overrides variables already set in the process
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Server.HTTPPort > 0 {
		cfg.HTTPPort = f.Server.HTTPPort
	}
	if len(f.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = f.Server.AllowedOrigins
	}
	if f.Server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = f.Server.ShutdownTimeout
	}
	if f.Storage.DBPath != "" {
		cfg.DBPath = f.Storage.DBPath
	}
	if f.Cache.Backend != "" {
		cfg.CacheBackend = f.Cache.Backend
	}
	if f.Cache.RedisURL != "" {
		cfg.RedisURL = f.Cache.RedisURL
	}
	if f.Cache.TTL > 0 {
		cfg.CacheTTL = f.Cache.TTL
	}
	if f.Engine.QueryTimeout > 0 {
		cfg.QueryTimeout = f.Engine.QueryTimeout
	}
	if f.Engine.HookTimeout > 0 {
		cfg.HookTimeout = f.Engine.HookTimeout
	}
	if f.Engine.AuditDefaultLimit > 0 {
		cfg.AuditTrailDefaultLimit = f.Engine.AuditDefaultLimit
	}
	if f.Engine.AuditMaxLimit > 0 {
		cfg.AuditTrailMaxLimit = f.Engine.AuditMaxLimit
	}
	if f.Log.Level != "" {
		cfg.LogLevel = f.Log.Level
	}
	if f.Log.Format != "" {
		cfg.LogFormat = f.Log.Format
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	var err error
	cfg.DBPath = envOrDefault("DB_PATH", cfg.DBPath)
	cfg.CacheBackend = strings.ToLower(envOrDefault("CACHE_BACKEND", cfg.CacheBackend))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.AllowedOrigins = envCSV("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	if cfg.HTTPPort, err = envInt("HTTP_PORT", cfg.HTTPPort); err != nil {
		return err
	}
	if cfg.AuditTrailDefaultLimit, err = envInt("AUDIT_DEFAULT_LIMIT", cfg.AuditTrailDefaultLimit); err != nil {
		return err
	}
	if cfg.AuditTrailMaxLimit, err = envInt("AUDIT_MAX_LIMIT", cfg.AuditTrailMaxLimit); err != nil {
		return err
	}
	if cfg.CacheTTL, err = envDuration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return err
	}
	if cfg.QueryTimeout, err = envDuration("QUERY_TIMEOUT", cfg.QueryTimeout); err != nil {
		return err
	}
	if cfg.HookTimeout, err = envDuration("HOOK_TIMEOUT", cfg.HookTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", cfg.HTTPPort))
	}
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	switch cfg.CacheBackend {
	case CacheMemory, CacheSQLite:
	case CacheRedis:
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("redis cache backend requires a redis url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend))
	}
	if cfg.CacheTTL < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if cfg.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query timeout must be positive"))
	}
	if cfg.HookTimeout <= 0 {
		errs = append(errs, errors.New("hook timeout must be positive"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if cfg.AuditTrailMaxLimit <= 0 {
		errs = append(errs, errors.New("audit max limit must be positive"))
	}
	if cfg.AuditTrailDefaultLimit <= 0 || cfg.AuditTrailDefaultLimit > cfg.AuditTrailMaxLimit {
		errs = append(errs, fmt.Errorf("audit default limit %d must be in 1..%d", cfg.AuditTrailDefaultLimit, cfg.AuditTrailMaxLimit))
	}
	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(envPrefix + name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s%s: not an integer: %q", envPrefix, name, raw)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	return d, nil
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
