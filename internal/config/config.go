// Package config loads service settings from defaults, an optional YAML
// file and PARCELA_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of runtime settings for cmd/api.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	HTTP       HTTPConfig       `yaml:"http"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Migrations MigrationsConfig `yaml:"migrations"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// CacheConfig bounds the principal snapshot cache. TTL is the longest a
// permission change can go unnoticed by a running instance.
type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

type HTTPConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// WorkflowConfig controls the expiry sweeper. A zero ExpireAfter disables it.
type WorkflowConfig struct {
	ExpireAfter   time.Duration `yaml:"expire_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type MigrationsConfig struct {
	Dir      string `yaml:"dir"`
	SeedsDir string `yaml:"seeds_dir"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Auth: AuthConfig{
			Issuer:   "parcela",
			TokenTTL: 12 * time.Hour,
		},
		Cache: CacheConfig{
			TTL:  30 * time.Second,
			Size: 4096,
		},
		HTTP: HTTPConfig{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
			RateLimit:    50,
			RateBurst:    100,
		},
		Workflow: WorkflowConfig{
			SweepSchedule: "@every 5m",
		},
		Migrations: MigrationsConfig{
			Dir:      "ops/migrations/sql",
			SeedsDir: "ops/migrations/seeds",
		},
	}
}

// Load applies the YAML file at path (if non-empty) and then the
// environment on top of the defaults. An empty path falls back to
// PARCELA_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("PARCELA_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PARCELA_HTTP_ADDR", &c.HTTPAddr)
	str("PARCELA_GRPC_ADDR", &c.GRPCAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("PARCELA_PG_DSN", &c.Postgres.DSN)
	str("PARCELA_REDIS_URL", &c.Redis.URL)
	str("PARCELA_AUTH_SECRET", &c.Auth.Secret)
	str("PARCELA_AUTH_ISSUER", &c.Auth.Issuer)
	str("PARCELA_SWEEP_SCHEDULE", &c.Workflow.SweepSchedule)
	str("PARCELA_MIGRATIONS_DIR", &c.Migrations.Dir)
	str("PARCELA_SEEDS_DIR", &c.Migrations.SeedsDir)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PARCELA_TOKEN_TTL", &c.Auth.TokenTTL},
		{"PARCELA_CACHE_TTL", &c.Cache.TTL},
		{"PARCELA_EXPIRE_AFTER", &c.Workflow.ExpireAfter},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("PARCELA_RATE_LIMIT"); ok && strings.TrimSpace(v) != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("PARCELA_RATE_LIMIT: %w", err)
		}
		c.HTTP.RateLimit = rps
	}
	if v, ok := lookup("PARCELA_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}
	return nil
}

// Validate reports every setting that would stop the API from serving.
func (c Config) Validate() error {
	var problems []error
	if len(c.Auth.Secret) < 16 {
		problems = append(problems, errors.New("auth secret must be at least 16 bytes (PARCELA_AUTH_SECRET)"))
	}
	if c.HTTPAddr == "" {
		problems = append(problems, errors.New("http_addr is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		problems = append(problems, errors.New("auth.token_ttl must be positive"))
	}
	if c.Cache.TTL < 0 {
		problems = append(problems, errors.New("cache.ttl must not be negative"))
	}
	if c.Workflow.ExpireAfter < 0 {
		problems = append(problems, errors.New("workflow.expire_after must not be negative"))
	}
	if c.Workflow.ExpireAfter > 0 && strings.TrimSpace(c.Workflow.SweepSchedule) == "" {
		problems = append(problems, errors.New("workflow.sweep_schedule is required when expire_after is set"))
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		problems = append(problems, errors.New("http timeouts must be positive"))
	}
	if c.HTTP.RateLimit < 0 {
		problems = append(problems, errors.New("http.rate_limit must not be negative"))
	}
	return errors.Join(problems...)
}
