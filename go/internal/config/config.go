// Package config loads dashtrack settings from an optional YAML file, DASHTRACK_* environment
// variables and a .env file, in increasing order of precedence after built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/dashtrack/go/internal/dash/ephemeral"
	"github.com/mcdev12/dashtrack/go/internal/dash/gateway"
	"github.com/mcdev12/dashtrack/go/internal/dash/outbox"
	"github.com/mcdev12/dashtrack/go/internal/dbconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Database dbconfig.Config          `mapstructure:"database"`
	Redis    dbconfig.RedisConfig     `mapstructure:"redis"`
	Store    StoreConfig              `mapstructure:"store"`
	Auth     AuthConfig               `mapstructure:"auth"`
	Gateway  gateway.ConnectionConfig `mapstructure:"gateway"`
	Outbox   OutboxConfig             `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the ephemeral session backend. "redis" may be shared by several
// serve processes; "memory" holds at most MemorySize sessions in one process and evicts the
// least recently used when full.
type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MemorySize int           `mapstructure:"memory_size"`
}

type AuthConfig struct {
	// Mode is "http" (identity provider) or "header" (trust DevHeader, local only).
	Mode            string        `mapstructure:"mode"`
	BaseURL         string        `mapstructure:"base_url"`
	SessionEndpoint string        `mapstructure:"session_endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	DevHeader       string        `mapstructure:"dev_header"`
}

type OutboxConfig struct {
	// Publisher is "nats" or "log".
	Publisher    string                 `mapstructure:"publisher"`
	Listen       bool                   `mapstructure:"listen"`
	PingInterval time.Duration          `mapstructure:"ping_interval"`
	HTTPPort     int                    `mapstructure:"http_port"`
	StaleAfter   time.Duration          `mapstructure:"stale_after"`
	Relay        outbox.RelayConfig     `mapstructure:"relay"`
	JetStream    outbox.JetStreamConfig `mapstructure:"jetstream"`
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	AuthModeHTTP   = "http"
	AuthModeHeader = "header"

	PublisherNATS = "nats"
	PublisherLog  = "log"
)

// Load reads configuration. configPath may be empty, in which case only defaults and the
// environment are used.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DASHTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Gateway.CheckOrigin = gateway.DefaultConnectionConfig().CheckOrigin

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// DB_* and REDIS_* keep working as the base layer.
	db := dbconfig.NewConfigFromEnv()
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("database.name", db.Database)
	v.SetDefault("database.sslmode", db.SSLMode)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)

	rc := dbconfig.NewRedisConfigFromEnv()
	v.SetDefault("redis.addr", rc.Addr)
	v.SetDefault("redis.password", rc.Password)
	v.SetDefault("redis.db", rc.DB)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)

	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("store.ttl", ephemeral.DefaultTTL)
	v.SetDefault("store.memory_size", 10_000)

	v.SetDefault("auth.mode", AuthModeHTTP)
	v.SetDefault("auth.base_url", "http://localhost:3000")
	v.SetDefault("auth.session_endpoint", "/api/auth/get-session")
	v.SetDefault("auth.timeout", 5*time.Second)
	v.SetDefault("auth.token_ttl", 60*time.Second)
	v.SetDefault("auth.dev_header", "X-User-Id")

	gw := gateway.DefaultConnectionConfig()
	v.SetDefault("gateway.write_timeout", gw.WriteTimeout)
	v.SetDefault("gateway.read_timeout", gw.ReadTimeout)
	v.SetDefault("gateway.ping_interval", gw.PingInterval)
	v.SetDefault("gateway.tick_interval", gw.TickInterval)
	v.SetDefault("gateway.max_message_size", gw.MaxMessageSize)
	v.SetDefault("gateway.read_buffer_size", gw.ReadBufferSize)
	v.SetDefault("gateway.write_buffer_size", gw.WriteBufferSize)
	v.SetDefault("gateway.send_buffer_size", gw.SendBufferSize)

	v.SetDefault("outbox.publisher", PublisherNATS)
	v.SetDefault("outbox.listen", true)
	v.SetDefault("outbox.ping_interval", 90*time.Second)
	v.SetDefault("outbox.http_port", 9091)
	v.SetDefault("outbox.stale_after", 5*time.Minute)

	rl := outbox.DefaultRelayConfig()
	v.SetDefault("outbox.relay.fallback_interval", rl.FallbackInterval)
	v.SetDefault("outbox.relay.max_retries", rl.MaxRetries)
	v.SetDefault("outbox.relay.retry_delay", rl.RetryDelay)
	v.SetDefault("outbox.relay.batch_size", rl.BatchSize)

	js := outbox.DefaultJetStreamConfig()
	v.SetDefault("outbox.jetstream.url", js.URL)
	v.SetDefault("outbox.jetstream.stream", js.StreamName)
	v.SetDefault("outbox.jetstream.subject_prefix", js.SubjectPrefix)
	v.SetDefault("outbox.jetstream.max_reconnects", js.MaxReconnects)
	v.SetDefault("outbox.jetstream.reconnect_wait", js.ReconnectWait)
	v.SetDefault("outbox.jetstream.max_age", js.MaxAge)
	v.SetDefault("outbox.jetstream.replicas", js.Replicas)
	v.SetDefault("outbox.jetstream.duplicate_window", js.DuplicateWindow)
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Store.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.TTL <= 0 {
		return fmt.Errorf("store ttl must be positive")
	}
	switch cfg.Auth.Mode {
	case AuthModeHTTP:
		if cfg.Auth.BaseURL == "" {
			return fmt.Errorf("auth base_url is required in http mode")
		}
	case AuthModeHeader:
		if cfg.Auth.DevHeader == "" {
			return fmt.Errorf("auth dev_header is required in header mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
	switch cfg.Outbox.Publisher {
	case PublisherNATS, PublisherLog:
	default:
		return fmt.Errorf("unknown outbox publisher %q", cfg.Outbox.Publisher)
	}
	if cfg.Gateway.TickInterval <= 0 {
		return fmt.Errorf("gateway tick_interval must be positive")
	}
	return nil
}

// Logger builds the process logger from the logging section.
func (c LoggingConfig) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
