// Package config declares the server's configuration surface (spec §6)
// and the ambient additions (admin HTTP, logging, rate limiting) a
// running instance needs.
package config

import "time"

type Backend string

const (
	BackendEmbedded  Backend = "embedded"
	BackendNetworked Backend = "networked"
)

type Config struct {
	Backend Backend `mapstructure:"backend"`
	DataPath string `mapstructure:"data_path"`
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
	MigrationsPath string `mapstructure:"migrations_path"`

	ListenAddr string `mapstructure:"listen_addr"`
	ListenPort int    `mapstructure:"listen_port"`

	MaxFrameBytes            int   `mapstructure:"max_frame_bytes"`
	MaxConnectionsPerClient  int   `mapstructure:"max_connections_per_client"`
	QueryDeadlineMS          int64 `mapstructure:"query_deadline_ms"`
	SubscriptionQueueCap     int   `mapstructure:"subscription_queue_cap"`

	// Ambient additions, not named by the wire configuration table but
	// required to run a real instance.
	AdminAddr        string        `mapstructure:"admin_addr"`
	LogLevel         string        `mapstructure:"log_level"`
	RateLimitPerSec  float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	ChangeFeedBackoff time.Duration `mapstructure:"change_feed_backoff"`
	MaxConcurrentConns int         `mapstructure:"max_concurrent_conns"`
}

// QueryDeadline returns the configured deadline as a time.Duration.
func (c *Config) QueryDeadline() time.Duration {
	return time.Duration(c.QueryDeadlineMS) * time.Millisecond
}

// DefaultConfig returns hand-tuned defaults, matching every key spec §6
// recognizes plus the ambient ones this instance also needs.
func DefaultConfig() *Config {
	return &Config{
		Backend:  BackendEmbedded,
		DataPath: "./data/reactivedoc.db",
		DSN:      "",
		PoolSize: 10,
		MigrationsPath: "internal/storage/pgstore/migrations",

		ListenAddr: "0.0.0.0",
		ListenPort: 9451,

		MaxFrameBytes:           4 * 1024 * 1024,
		MaxConnectionsPerClient: 64,
		QueryDeadlineMS:         30_000,
		SubscriptionQueueCap:    1024,

		AdminAddr:          "127.0.0.1:9452",
		LogLevel:           "info",
		RateLimitPerSec:    200,
		RateLimitBurst:     400,
		ChangeFeedBackoff:  500 * time.Millisecond,
		MaxConcurrentConns: 1024,
	}
}
