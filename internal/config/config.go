package config

import "time"

// ClientConfig is the root configuration for a realtime chat client.
type ClientConfig struct {
	Session  SessionConfig  `yaml:"session"`
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// SessionConfig identifies the signed-in user.
type SessionConfig struct {
	Token         string `yaml:"token"`          // Session credential passed to the websocket endpoint
	UserID        string `yaml:"user_id"`        // Used to filter self-originated events
	Username      string `yaml:"username"`       // Used to filter self-originated deletions
	ActiveChannel string `yaml:"active_channel"` // Channel joined after connecting (optional)
}

// RealtimeConfig holds websocket connection manager settings.
type RealtimeConfig struct {
	URL                  string        `yaml:"url"` // Base address, e.g. ws://localhost:8000
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// JournalConfig holds the optional Postgres event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Database      DBConfig      `yaml:"database"`
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

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// HealthConfig holds the local status endpoint.
type HealthConfig struct {
	Port int `yaml:"port"` // Zero disables the endpoint
}
