package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds the dispatch service configuration loaded from the environment.
type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string

	StoreDriver   string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         int
	PushUrgency     string

	SendTimeout      time.Duration
	ReconcileTimeout time.Duration
	DispatchWorkers  int
	DefaultIcon      string
	DefaultTag       string

	SessionSecret          string
	JWTSecret              string
	InternalDispatchSecret string

	AMQPURL      string
	AMQPQueue    string
	AMQPDLQ      string
	AMQPWorkers  int
	AMQPPrefetch int
}

var defaults = map[string]any{
	"HTTP_PORT":         "8080",
	"LOG_LEVEL":         "info",
	"LOG_FORMAT":        "text",
	"STORE_DRIVER":      DriverMemory,
	"REDIS_ADDR":        "localhost:6379",
	"REDIS_DB":          0,
	"VAPID_SUBJECT":     "mailto:admin@example.com",
	"PUSH_TTL":          86400,
	"PUSH_URGENCY":      "normal",
	"SEND_TIMEOUT":      10 * time.Second,
	"RECONCILE_TIMEOUT": 5 * time.Second,
	"DISPATCH_WORKERS":  16,
	"DEFAULT_ICON":      "/icon-192x192.png",
	"DEFAULT_TAG":       "lead-notification",
	"AMQP_QUEUE":        "push.dispatch",
	"AMQP_DLQ":          "push.dispatch.failed",
	"AMQP_WORKERS":      4,
	"AMQP_PREFETCH":     32,
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPPort:  v.GetString("HTTP_PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		StoreDriver:   strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		VAPIDPublicKey:  v.GetString("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: v.GetString("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    v.GetString("VAPID_SUBJECT"),
		PushTTL:         v.GetInt("PUSH_TTL"),
		PushUrgency:     v.GetString("PUSH_URGENCY"),

		SendTimeout:      v.GetDuration("SEND_TIMEOUT"),
		ReconcileTimeout: v.GetDuration("RECONCILE_TIMEOUT"),
		DispatchWorkers:  v.GetInt("DISPATCH_WORKERS"),
		DefaultIcon:      v.GetString("DEFAULT_ICON"),
		DefaultTag:       v.GetString("DEFAULT_TAG"),

		SessionSecret:          v.GetString("SESSION_SECRET"),
		JWTSecret:              v.GetString("JWT_SECRET"),
		InternalDispatchSecret: v.GetString("INTERNAL_DISPATCH_SECRET"),

		AMQPURL:      v.GetString("AMQP_URL"),
		AMQPQueue:    v.GetString("AMQP_QUEUE"),
		AMQPDLQ:      v.GetString("AMQP_DLQ"),
		AMQPWorkers:  v.GetInt("AMQP_WORKERS"),
		AMQPPrefetch: v.GetInt("AMQP_PREFETCH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres store")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		problems = append(problems, "VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.StoreDriver != DriverMemory && c.SessionSecret == "" {
		problems = append(problems, "SESSION_SECRET is required outside memory mode")
	}
	if c.SendTimeout <= 0 {
		problems = append(problems, "SEND_TIMEOUT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasVAPIDKeys reports whether a persistent key pair was configured.
func (c *Config) HasVAPIDKeys() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}
