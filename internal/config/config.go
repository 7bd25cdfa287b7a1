package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a pool instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Relays        []RelayConfig       `yaml:"relays"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Limits        LimitsConfig        `yaml:"limits"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Store         StoreConfig         `yaml:"store"`
	Seen          SeenConfig          `yaml:"seen"`
	Log           LogConfig           `yaml:"log"`
}

// InstanceConfig identifies this pool instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// RelayConfig declares one relay and its service flags.
type RelayConfig struct {
	URL   string   `yaml:"url"`
	Flags []string `yaml:"flags"` // read, write, ping, inbox, outbox, discovery
}

// ConnectionConfig holds per-relay connection settings.
type ConnectionConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay    time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	StabilityThreshold    time.Duration `yaml:"stability_threshold"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PingMaxMisses         int           `yaml:"ping_max_misses"`
	SendTimeout           time.Duration `yaml:"send_timeout"`
	SendQueueSize         int           `yaml:"send_queue_size"`
	MaxProtocolViolations int           `yaml:"max_protocol_violations"`
	VerifyEvents          bool          `yaml:"verify_events"`
}

// LimitsConfig sizes the per-relay rate limit buckets.
type LimitsConfig struct {
	ReqPerSecond    float64 `yaml:"req_per_second"`
	ReqBurst        int     `yaml:"req_burst"`
	EventsPerMinute float64 `yaml:"events_per_minute"`
	EventBurst      int     `yaml:"event_burst"`
}

// NotificationsConfig holds consumer stream settings.
type NotificationsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Backend  string   `yaml:"backend"` // none, memory, postgres
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SeenConfig selects the cross-relay dedup backend.
type SeenConfig struct {
	Backend string      `yaml:"backend"`  // memory, redis
	MaxSize int         `yaml:"max_size"` // memory backend only
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection for shared dedup.
type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "nostr-pool"
	}

	conn := &c.Connection
	if conn.ConnectTimeout <= 0 {
		conn.ConnectTimeout = 10 * time.Second
	}
	if conn.ReconnectBaseDelay <= 0 {
		conn.ReconnectBaseDelay = 10 * time.Second
	}
	if conn.ReconnectMaxDelay <= 0 {
		conn.ReconnectMaxDelay = 300 * time.Second
	}
	if conn.StabilityThreshold <= 0 {
		conn.StabilityThreshold = 60 * time.Second
	}
	if conn.PingInterval <= 0 {
		conn.PingInterval = 55 * time.Second
	}
	if conn.PingMaxMisses <= 0 {
		conn.PingMaxMisses = 3
	}
	if conn.SendTimeout <= 0 {
		conn.SendTimeout = 20 * time.Second
	}
	if conn.SendQueueSize <= 0 {
		conn.SendQueueSize = 256
	}

	if c.Limits.ReqPerSecond == 0 {
		c.Limits.ReqPerSecond = 10
	}
	if c.Limits.ReqBurst == 0 {
		c.Limits.ReqBurst = 20
	}
	if c.Limits.EventsPerMinute == 0 {
		c.Limits.EventsPerMinute = 120
	}
	if c.Limits.EventBurst == 0 {
		c.Limits.EventBurst = 30
	}

	if c.Notifications.BufferSize <= 0 {
		c.Notifications.BufferSize = 1024
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Seen.Backend == "" {
		c.Seen.Backend = "memory"
	}
	if c.Seen.MaxSize <= 0 {
		c.Seen.MaxSize = 100_000
	}
	if c.Seen.Redis.TTL <= 0 {
		c.Seen.Redis.TTL = time.Hour
	}
	if c.Seen.Redis.Prefix == "" {
		c.Seen.Redis.Prefix = "seen:"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	for i, r := range c.Relays {
		if r.URL == "" {
			return fmt.Errorf("relay %d: url is required", i)
		}
	}

	switch c.Store.Backend {
	case "none", "memory":
	case "postgres":
		pg := c.Store.Postgres
		if pg.Host == "" || pg.Name == "" || pg.User == "" {
			return fmt.Errorf("store.postgres: host, name and user are required")
		}
		if pg.Port <= 0 {
			return fmt.Errorf("store.postgres: invalid port %d", pg.Port)
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}

	switch c.Seen.Backend {
	case "memory":
	case "redis":
		if c.Seen.Redis.URL == "" {
			return fmt.Errorf("seen.redis: url is required")
		}
	default:
		return fmt.Errorf("seen.backend: unknown backend %q", c.Seen.Backend)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return fmt.Errorf("connection: reconnect_base_delay exceeds reconnect_max_delay")
	}
	return nil
}
