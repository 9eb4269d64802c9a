package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Listen     string `yaml:"listen"`
	DBPath     string `yaml:"db_path"`
	AdminToken string `yaml:"admin_token"`
}

type UpstreamConfig struct {
	URL            string  `yaml:"url"`
	RequestTimeout int     `yaml:"request_timeout_s"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
	RetryInitialMs int     `yaml:"retry_initial_ms"`
	RetryMaxMs     int     `yaml:"retry_max_ms"`
	RetryMax       int     `yaml:"retry_max_attempts"`
}

type RateLimitConfig struct {
	// Store selects where counters live: "memory" (default, per-instance)
	// or "redis" (shared across instances).
	Store string      `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`

	Global       PolicyConfig  `yaml:"global"`
	RouteDefault PolicyConfig  `yaml:"route_default"`
	Routes       []RouteConfig `yaml:"routes"`
	UserAction   PolicyConfig  `yaml:"user_action"`
	CooldownMs   int           `yaml:"cooldown_ms"`
	SweepEveryS  int           `yaml:"sweep_every_s"`
}

type PolicyConfig struct {
	Limit   int `yaml:"limit"`
	WindowS int `yaml:"window_s"`
}

type RouteConfig struct {
	Prefix  string `yaml:"prefix"`
	Method  string `yaml:"method"`
	Limit   int    `yaml:"limit"`
	WindowS int    `yaml:"window_s"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	RecoveryTimeoutS  int `yaml:"recovery_timeout_s"`
	MonitoringPeriodS int `yaml:"monitoring_period_s"`
	SuccessThreshold  int `yaml:"success_threshold"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults, including the one
// canonical route policy table. Routes are matched by longest prefix, so
// the route_default policy only applies when nothing more specific does.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8080",
			DBPath: "oadro.db",
		},
		Upstream: UpstreamConfig{
			URL:            "http://localhost:8000",
			RequestTimeout: 10,
			RequestsPerSec: 5,
			Burst:          2,
			RetryInitialMs: 250,
			RetryMaxMs:     2000,
			RetryMax:       2,
		},
		RateLimit: RateLimitConfig{
			Store:        "memory",
			Global:       PolicyConfig{Limit: 200, WindowS: 3600},
			RouteDefault: PolicyConfig{Limit: 100, WindowS: 900},
			Routes: []RouteConfig{
				{Prefix: "/api/nowplaying", Method: "GET", Limit: 60, WindowS: 60},
				{Prefix: "/api/requests", Method: "POST", Limit: 5, WindowS: 300},
				{Prefix: "/api/requests", Method: "GET", Limit: 60, WindowS: 60},
				{Prefix: "/api/votes", Method: "POST", Limit: 30, WindowS: 60},
				{Prefix: "/api/reactions", Method: "POST", Limit: 30, WindowS: 60},
			},
			UserAction:  PolicyConfig{Limit: 30, WindowS: 60},
			CooldownMs:  5000,
			SweepEveryS: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeoutS:  30,
			MonitoringPeriodS: 60,
			SuccessThreshold:  2,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("OADRO_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if db := os.Getenv("OADRO_DB_PATH"); db != "" {
		cfg.Server.DBPath = db
	}
	if token := os.Getenv("OADRO_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if url := os.Getenv("OADRO_UPSTREAM_URL"); url != "" {
		cfg.Upstream.URL = url
	}
	if addr := os.Getenv("OADRO_REDIS_ADDR"); addr != "" {
		cfg.RateLimit.Store = "redis"
		cfg.RateLimit.Redis.Addr = addr
	}
	if db := os.Getenv("OADRO_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.RateLimit.Redis.DB = n
		}
	}
	if level := os.Getenv("OADRO_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Upstream.URL == "" {
		return ErrMissingUpstream
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return &Error{"rate_limit.store must be memory or redis"}
	}
	if c.RateLimit.Store == "redis" && c.RateLimit.Redis.Addr == "" {
		return &Error{"rate_limit.redis.addr is required for the redis store"}
	}
	if c.RateLimit.Global.Limit <= 0 || c.RateLimit.Global.WindowS <= 0 {
		return &Error{"rate_limit.global must have positive limit and window"}
	}
	for _, r := range c.RateLimit.Routes {
		if r.Prefix == "" || r.Limit <= 0 || r.WindowS <= 0 {
			return &Error{"rate_limit.routes entries need a prefix and positive limit/window"}
		}
	}
	if c.RateLimit.CooldownMs <= 0 {
		c.RateLimit.CooldownMs = 5000
	}
	if c.RateLimit.SweepEveryS <= 0 {
		c.RateLimit.SweepEveryS = 60
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeoutS <= 0 {
		c.Breaker.RecoveryTimeoutS = 30
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Upstream.RequestTimeout <= 0 {
		c.Upstream.RequestTimeout = 10
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingListen   = &Error{"server listen address is required"}
	ErrMissingUpstream = &Error{"upstream URL is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
