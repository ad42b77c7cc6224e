// Package config loads keygate settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/ratelimit"
	"github.com/johnrirwin/keygate/internal/tracing"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Environment string
	LogLevel    logging.Level
	Server      ServerConfig
	Database    database.Config
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Auth        AuthConfig
	Upstream    UpstreamConfig
	Tracing     tracing.Config
	Metrics     MetricsConfig
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type RateLimitConfig struct {
	// Windows guard authenticated routes.
	Windows []ratelimit.Window
	// IPWindows guard anonymous routes.
	IPWindows    []ratelimit.Window
	Grace        time.Duration
	StoreTimeout time.Duration
}

type AuthConfig struct {
	TouchMode      auth.TouchMode
	StoreTimeout   time.Duration
	AdminJWTSecret string
}

type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which follows os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}

	cfg := Config{
		Environment: e.str("ENVIRONMENT", "development"),
		LogLevel:    logging.ParseLevel(e.str("LOG_LEVEL", "info")),
		Server: ServerConfig{
			HTTPAddr:        e.str("HTTP_ADDR", ":8080"),
			GRPCAddr:        e.str("GRPC_ADDR", ""),
			ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
			MaxBodyBytes:    e.int64("MAX_BODY_BYTES", 1<<20),
		},
		Database: database.Config{
			Driver:       e.str("DATABASE_DRIVER", "sqlite3"),
			URL:          e.str("DATABASE_URL", "keygate.db"),
			MaxOpenConns: e.int("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: e.int("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(e.str("CACHE_BACKEND", CacheMemory)),
			RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
			RedisPassword: e.str("REDIS_PASSWORD", ""),
			RedisDB:       e.int("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Grace:        e.duration("RATE_LIMIT_GRACE", ratelimit.DefaultGrace),
			StoreTimeout: e.duration("STORE_TIMEOUT", 2*time.Second),
		},
		Auth: AuthConfig{
			StoreTimeout:   e.duration("STORE_TIMEOUT", 2*time.Second),
			AdminJWTSecret: e.str("ADMIN_JWT_SECRET", ""),
		},
		Upstream: UpstreamConfig{
			BaseURL: e.str("UPSTREAM_BASE_URL", "https://openrouter.ai/api"),
			APIKey:  e.str("UPSTREAM_API_KEY", ""),
			Timeout: e.duration("UPSTREAM_TIMEOUT", 120*time.Second),
		},
		Tracing: tracing.Config{
			Enabled:     e.bool("TRACING_ENABLED", false),
			Exporter:    e.str("TRACING_EXPORTER", tracing.ExporterStdout),
			Endpoint:    e.str("TRACING_ENDPOINT", ""),
			SampleRate:  e.float("TRACING_SAMPLE_RATE", 1),
			ServiceName: e.str("TRACING_SERVICE_NAME", "keygate"),
		},
		Metrics: MetricsConfig{
			Enabled: e.bool("METRICS_ENABLED", true),
			Addr:    e.str("METRICS_ADDR", ""),
		},
	}

	touchMode, err := auth.ParseTouchMode(e.str("AUTH_TOUCH_MODE", string(auth.TouchSync)))
	if err != nil {
		e.fail("AUTH_TOUCH_MODE", err)
	}
	cfg.Auth.TouchMode = touchMode

	cfg.RateLimit.Windows = buildWindows(&e)
	cfg.RateLimit.IPWindows = buildIPWindows(&e)

	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// buildWindows reads RATE_LIMIT_WINDOWS when set, otherwise the simple
// RATE_LIMIT_PER_MINUTE/HOUR/DAY knobs. The minute window honours per-key
// quotas.
func buildWindows(e *env) []ratelimit.Window {
	if spec := e.str("RATE_LIMIT_WINDOWS", ""); spec != "" {
		windows, err := ratelimit.ParseWindows(spec)
		if err != nil {
			e.fail("RATE_LIMIT_WINDOWS", err)
		}
		return windows
	}

	policy := ratelimit.FailPolicy(strings.ToLower(e.str("RATE_LIMIT_FAIL_POLICY", string(ratelimit.FailOpen))))

	var windows []ratelimit.Window
	add := func(name string, d time.Duration, def int64, quota bool) {
		n := e.int64(name, def)
		if n <= 0 {
			return
		}
		w := ratelimit.NewWindow(d, n, ratelimit.ScopePrincipal)
		w.FailPolicy = policy
		w.UseQuota = quota
		windows = append(windows, w)
	}
	add("RATE_LIMIT_PER_MINUTE", time.Minute, 60, true)
	add("RATE_LIMIT_PER_HOUR", time.Hour, 0, false)
	add("RATE_LIMIT_PER_DAY", 24*time.Hour, 0, false)
	return windows
}

func buildIPWindows(e *env) []ratelimit.Window {
	n := e.int64("RATE_LIMIT_IP_PER_MINUTE", 10)
	if n <= 0 {
		return nil
	}
	w := ratelimit.NewWindow(time.Minute, n, ratelimit.ScopeIP)
	w.Name = "ip_minute"
	return []ratelimit.Window{w}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if _, err := database.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("DATABASE_DRIVER: %w", err)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND: unknown backend %q (want memory or redis)", c.Cache.Backend)
	}

	if err := ratelimit.ValidateWindows(c.RateLimit.Windows); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if err := ratelimit.ValidateWindows(c.RateLimit.IPWindows); err != nil {
		return fmt.Errorf("ip rate limit: %w", err)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL: %q is not an absolute URL", c.Upstream.BaseURL)
	}

	if c.IsProduction() && c.Upstream.APIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required when ENVIRONMENT=production")
	}

	if c.Auth.AdminJWTSecret != "" && len(c.Auth.AdminJWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}

	return nil
}

// IsProduction reports whether ENVIRONMENT is "production".
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// env reads typed values and remembers the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) int64(key string, def int64) int64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}
