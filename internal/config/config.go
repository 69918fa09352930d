// Package config defines the boardmirror configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by BOARDMIRROR_* environment variables.
type Config struct {
	Lightstream LightstreamConfig `toml:"lightstream"`
	Book        BookConfig        `toml:"book"`
	Orders      OrdersConfig      `toml:"orders"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Tape        TapeConfig        `toml:"tape"`
	Replay      ReplayConfig      `toml:"replay"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// LightstreamConfig holds the realtime API endpoint, product and credentials.
// Without credentials only the public board channels are subscribed.
type LightstreamConfig struct {
	URL              string   `toml:"url"`
	ProductCode      string   `toml:"product_code"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	ReconnectInitial duration `toml:"reconnect_initial"`
	ReconnectMax     duration `toml:"reconnect_max"`
}

// HasCredentials reports whether both key and secret are set.
func (l LightstreamConfig) HasCredentials() bool {
	return l.APIKey != "" && l.APISecret != ""
}

// BookConfig tunes the order book engine.
type BookConfig struct {
	QualityWindow int     `toml:"quality_window"`
	RateWindow    int     `toml:"rate_window"`
	DegradedBelow float64 `toml:"degraded_below"`
	ViewDepth     int     `toml:"view_depth"`
	QueueSize     int     `toml:"queue_size"`
	// LogBBO emits an info line on every best bid/ask change.
	LogBBO bool `toml:"log_bbo"`
}

// OrdersConfig tunes the order status engine.
type OrdersConfig struct {
	// FillTolerance is a decimal string; empty means the engine default.
	FillTolerance string `toml:"fill_tolerance"`
	MaxPending    int    `toml:"max_pending"`
	QueueSize     int    `toml:"queue_size"`
}

// Tolerance parses FillTolerance. An empty value yields an invalid
// NullDecimal so the engine default applies.
func (o OrdersConfig) Tolerance() (decimal.NullDecimal, error) {
	if strings.TrimSpace(o.FillTolerance) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(o.FillTolerance))
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// RedisConfig holds Redis connection parameters. Redis backs the book and
// order status mirror, the signal bus and the API rate limiter.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LeaseTTL   duration `toml:"lease_ttl"`
}

// S3Config holds S3-compatible object storage parameters for tapes.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TapeConfig controls recording of raw feed messages to S3.
type TapeConfig struct {
	Enabled       bool     `toml:"enabled"`
	Prefix        string   `toml:"prefix"`
	MaxMessages   int      `toml:"max_messages"`
	FlushInterval duration `toml:"flush_interval"`
}

// ReplayConfig selects the input of replay mode: a local Path, or every S3
// object under Prefix. Prefix may also name one tape object exactly.
type ReplayConfig struct {
	Path string `toml:"path"`
	// Updates are local board update files applied as deltas after Path.
	Updates []string `toml:"updates"`
	Prefix  string   `toml:"prefix"`
}

// PostgresConfig holds the status history database parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per second per client IP; needs Redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets TOML carry strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every default filled in.
func Defaults() Config {
	return Config{
		Lightstream: LightstreamConfig{
			URL:              "wss://ws.lightstream.bitflyer.com/json-rpc",
			ProductCode:      "FX_BTC_JPY",
			ReconnectInitial: duration{2 * time.Second},
			ReconnectMax:     duration{time.Minute},
		},
		Book: BookConfig{
			QualityWindow: 1000,
			RateWindow:    1000,
			DegradedBelow: 0.9,
			ViewDepth:     10,
			QueueSize:     4096,
		},
		Orders: OrdersConfig{
			MaxPending: 100_000,
			QueueSize:  4096,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "boardmirror:",
			LeaseTTL:   duration{15 * time.Second},
		},
		S3: S3Config{
			Region:         "ap-northeast-1",
			Bucket:         "boardmirror-tapes",
			ForcePathStyle: true,
		},
		Tape: TapeConfig{
			Prefix:        "tapes",
			MaxMessages:   50_000,
			FlushInterval: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "boardmirror",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "order_failed", "stream_degraded", "error"},
		},
		Mode:     "live",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"live":    true,
	"monitor": true,
	"replay":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every problem found as one combined error.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, monitor, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Lightstream.ProductCode == "" {
		errs = append(errs, "lightstream: product_code must not be empty")
	}
	if mode != "replay" && c.Lightstream.URL == "" {
		errs = append(errs, "lightstream: url must not be empty")
	}
	if (c.Lightstream.APIKey == "") != (c.Lightstream.APISecret == "") {
		errs = append(errs, "lightstream: api_key and api_secret must be set together")
	}
	if mode == "live" && !c.Lightstream.HasCredentials() {
		errs = append(errs, "lightstream: api_key and api_secret are required for mode live (use monitor for public data only)")
	}
	if c.Lightstream.ReconnectInitial.Duration <= 0 || c.Lightstream.ReconnectMax.Duration < c.Lightstream.ReconnectInitial.Duration {
		errs = append(errs, "lightstream: reconnect_initial must be > 0 and <= reconnect_max")
	}

	if c.Book.QualityWindow < 1 || c.Book.RateWindow < 1 {
		errs = append(errs, "book: quality_window and rate_window must be >= 1")
	}
	if c.Book.DegradedBelow < 0 || c.Book.DegradedBelow > 1 {
		errs = append(errs, fmt.Sprintf("book: degraded_below must be within [0,1], got %g", c.Book.DegradedBelow))
	}

	if tol, err := c.Orders.Tolerance(); err != nil {
		errs = append(errs, fmt.Sprintf("orders: fill_tolerance %q is not a decimal", c.Orders.FillTolerance))
	} else if tol.Valid && tol.Decimal.IsNegative() {
		errs = append(errs, "orders: fill_tolerance must not be negative")
	}
	if c.Orders.MaxPending < 1 {
		errs = append(errs, "orders: max_pending must be >= 1")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LeaseTTL.Duration < time.Second {
			errs = append(errs, "redis: lease_ttl must be at least 1s")
		}
	}

	needsS3 := c.Tape.Enabled || (mode == "replay" && c.Replay.Path == "")
	if needsS3 {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Tape.Enabled {
		if c.Tape.MaxMessages < 1 {
			errs = append(errs, "tape: max_messages must be >= 1")
		}
		if c.Tape.FlushInterval.Duration <= 0 {
			errs = append(errs, "tape: flush_interval must be > 0")
		}
	}
	if mode == "replay" && c.Replay.Path == "" && c.Replay.Prefix == "" {
		errs = append(errs, "replay: path or prefix is required for mode replay")
	}
	if len(c.Replay.Updates) > 0 && c.Replay.Path == "" {
		errs = append(errs, "replay: updates need a path holding the snapshot")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
