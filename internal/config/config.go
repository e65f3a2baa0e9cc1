// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"changehook/internal/auth"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Auth     auth.Config    `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowOrigins    []string      `yaml:"allow_origins"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type QueueConfig struct {
	// Backend is "memory" or "redis"; empty picks redis when a Redis URL is set.
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
}

type DeliveryConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Timeout       time.Duration `yaml:"timeout"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepGrace    time.Duration `yaml:"sweep_grace"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 15 * time.Second},
		Database: DatabaseConfig{Migrate: true},
		Queue:    QueueConfig{Capacity: 10000},
		Delivery: DeliveryConfig{
			Workers:       4,
			MaxAttempts:   10,
			Timeout:       10 * time.Second,
			BackoffBase:   5 * time.Second,
			BackoffMax:    time.Hour,
			RateLimit:     50,
			RateBurst:     10,
			SweepInterval: 30 * time.Second,
			SweepGrace:    time.Minute,
		},
		Kafka: KafkaConfig{Topic: "changehook.changes"},
		Auth:  auth.Config{Mode: auth.ModeHeader},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	num("PORT", &c.Server.Port)
	list("ALLOW_ORIGINS", &c.Server.AllowOrigins)
	str("DATABASE_URL", &c.Database.URL)
	if v, ok := lookup("DB_MIGRATE"); ok && v != "" {
		c.Database.Migrate = v != "false"
	}
	str("REDIS_URL", &c.Redis.URL)
	str("QUEUE_BACKEND", &c.Queue.Backend)
	num("QUEUE_CAPACITY", &c.Queue.Capacity)
	num("WEBHOOK_WORKERS", &c.Delivery.Workers)
	num("WEBHOOK_MAX_ATTEMPTS", &c.Delivery.MaxAttempts)
	dur("WEBHOOK_TIMEOUT", &c.Delivery.Timeout)
	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	str("AUTH_USER_CLAIM", &c.Auth.UserClaim)
	str("LOG_LEVEL", &c.Log.Level)
	if len(errs) > 0 {
		return fmt.Errorf("config env: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) Validate() error {
	switch c.QueueBackend() {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: queue backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Delivery.BackoffMax < c.Delivery.BackoffBase {
		return fmt.Errorf("config: delivery.backoff_max is below backoff_base")
	}
	return nil
}

// QueueBackend resolves the job queue backend.
func (c Config) QueueBackend() string {
	if c.Queue.Backend != "" {
		return strings.ToLower(c.Queue.Backend)
	}
	if c.Redis.URL != "" {
		return "redis"
	}
	return "memory"
}

// Summary is the non-secret view served on /debug/info.
func (c Config) Summary() map[string]any {
	return map[string]any{
		"port":                 c.Server.Port,
		"queue_backend":        c.QueueBackend(),
		"queue_capacity":       c.Queue.Capacity,
		"delivery_workers":     c.Delivery.Workers,
		"delivery_max_attempt": c.Delivery.MaxAttempts,
		"delivery_timeout":     c.Delivery.Timeout.String(),
		"auth_mode":            c.Auth.Mode,
		"kafka_enabled":        len(c.Kafka.Brokers) > 0,
		"has_database_url":     c.Database.URL != "",
		"has_redis_url":        c.Redis.URL != "",
		"log_level":            c.Log.Level,
	}
}
