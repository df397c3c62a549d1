// Package config loads the server configuration: a YAML file over built-in
// defaults, then an optional .env file and COGSERVER_* environment
// variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// COGSERVER_TELNET_ADDRESS.
const EnvPrefix = "COGSERVER_"

// ServerConfig holds server-wide configuration settings.
type ServerConfig struct {
	Telnet      TelnetConfig      `yaml:"telnet" envPrefix:"TELNET_"`
	WebSocket   WebSocketConfig   `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Connections ConnectionsConfig `yaml:"connections" envPrefix:"CONNECTIONS_"`
	Shell       ShellConfig       `yaml:"shell" envPrefix:"SHELL_"`
	Journal     JournalConfig     `yaml:"journal" envPrefix:"JOURNAL_"`
	Metrics     MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
}

// TelnetConfig controls the line-protocol listener.
type TelnetConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

// WebSocketConfig controls the WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`

	// Paths lists the request targets that may be upgraded. Empty allows any.
	Paths []string `yaml:"paths" env:"PATHS" envSeparator:","`

	// AllowedOrigins is a list of origins allowed to connect.
	// Empty enforces same-origin; "*" allows all.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// MaxMessageSize caps a single text frame in bytes. 0 leaves only the
	// protocol sanity ceiling.
	MaxMessageSize uint64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// ConnectionsConfig holds connection limit settings.
type ConnectionsConfig struct {
	// MaxPerIP is the maximum concurrent connections from one address.
	// 0 means unlimited.
	MaxPerIP int `yaml:"max_per_ip" env:"MAX_PER_IP"`

	// MaxTotal is the maximum concurrent connections overall. 0 means unlimited.
	MaxTotal int `yaml:"max_total" env:"MAX_TOTAL"`

	// ShutdownTimeout bounds how long a stopping listener waits for its
	// connections to finish.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ShellConfig holds the text presented by the command shell.
type ShellConfig struct {
	Prompt   string `yaml:"prompt" env:"PROMPT"`
	Greeting string `yaml:"greeting" env:"GREETING"`
	Banner   string `yaml:"banner" env:"BANNER"`

	Flood FloodConfig `yaml:"flood" envPrefix:"FLOOD_"`
}

// FloodConfig limits how fast one session may write to the journal.
type FloodConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	MaxLines int           `yaml:"max_lines" env:"MAX_LINES"` // per Window; 0 means unlimited
	Window   time.Duration `yaml:"window" env:"WINDOW"`

	// RepeatCooldown rejects the same line again within this period. 0
	// allows repeats.
	RepeatCooldown time.Duration `yaml:"repeat_cooldown" env:"REPEAT_COOLDOWN"`
}

// JournalConfig selects the storage backends that receive shell input.
type JournalConfig struct {
	Memory MemoryJournalConfig `yaml:"memory" envPrefix:"MEMORY_"`
	SQL    SQLJournalConfig    `yaml:"sql" envPrefix:"SQL_"`
	Redis  RedisJournalConfig  `yaml:"redis" envPrefix:"REDIS_"`

	// Timeout bounds one write-through to all backends.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MemoryJournalConfig configures the in-process history behind the shell's
// history command.
type MemoryJournalConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// TTL drops a session's history once it has been idle this long.
	TTL time.Duration `yaml:"ttl" env:"TTL"`

	// Limit is the number of lines kept per session.
	Limit int `yaml:"limit" env:"LIMIT"`
}

// SQLJournalConfig configures the SQL journal.
type SQLJournalConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Driver is "sqlite" or "postgres".
	Driver     string `yaml:"driver" env:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	PostgresHost     string `yaml:"postgres_host" env:"POSTGRES_HOST"`
	PostgresPort     int    `yaml:"postgres_port" env:"POSTGRES_PORT"`
	PostgresUser     string `yaml:"postgres_user" env:"POSTGRES_USER"`
	PostgresPassword string `yaml:"postgres_password" env:"POSTGRES_PASSWORD"`
	PostgresDatabase string `yaml:"postgres_database" env:"POSTGRES_DATABASE"`
	PostgresSSLMode  string `yaml:"postgres_sslmode" env:"POSTGRES_SSLMODE"`
}

// RedisJournalConfig configures the Redis journal.
type RedisJournalConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Key      string `yaml:"key" env:"KEY"`

	// MaxLen trims the list to its newest entries. 0 keeps everything.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
	Path    string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns a ServerConfig with the stock ports and an
// in-process SQLite journal.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Telnet: TelnetConfig{
			Enabled: true,
			Address: ":17001",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Address:        ":18080",
			Paths:          []string{"/", "/ws"},
			AllowedOrigins: []string{},
		},
		Connections: ConnectionsConfig{
			MaxPerIP:        16,
			MaxTotal:        1024,
			ShutdownTimeout: 10 * time.Second,
		},
		Shell: ShellConfig{
			Prompt:   "cogserver> ",
			Greeting: "Welcome to the CogServer. Type 'help' for a list of commands.\n",
			Banner:   "CogServer WebSocket endpoint. Connect with a WebSocket client.\n",
			Flood: FloodConfig{
				Enabled:  true,
				MaxLines: 20,
				Window:   10 * time.Second,
			},
		},
		Journal: JournalConfig{
			Memory: MemoryJournalConfig{
				Enabled: true,
				TTL:     30 * time.Minute,
				Limit:   100,
			},
			SQL: SQLJournalConfig{
				Enabled:         true,
				Driver:          "sqlite",
				SQLitePath:      "data/journal.db",
				PostgresHost:    "localhost",
				PostgresPort:    5432,
				PostgresSSLMode: "disable",
			},
			Redis: RedisJournalConfig{
				Addr: "localhost:6379",
				Key:  "cogserver:journal",
			},
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":19090",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads server configuration from a YAML file and the
// environment. A missing file yields the defaults plus any overrides.
func LoadConfig(path string) (*ServerConfig, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return DefaultConfig(), err
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := ApplyEnv(config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// LoadDotEnv loads variables from the named .env files (".env" when none
// are given) without replacing variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays COGSERVER_* environment variables onto config.
func ApplyEnv(config *ServerConfig) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Telnet.Enabled && c.Telnet.Address == "" {
		errs = append(errs, errors.New("telnet.address is required when telnet is enabled"))
	}
	if c.WebSocket.Enabled && c.WebSocket.Address == "" {
		errs = append(errs, errors.New("websocket.address is required when websocket is enabled"))
	}
	if c.Connections.MaxPerIP < 0 || c.Connections.MaxTotal < 0 {
		errs = append(errs, errors.New("connection limits must not be negative"))
	}
	if c.Journal.SQL.Enabled {
		switch c.Journal.SQL.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("journal.sql.driver %q is not sqlite or postgres", c.Journal.SQL.Driver))
		}
	}
	if c.Shell.Flood.Enabled && c.Shell.Flood.MaxLines > 0 && c.Shell.Flood.Window <= 0 {
		errs = append(errs, errors.New("shell.flood.window must be positive when max_lines is set"))
	}
	if c.Journal.Memory.Enabled && c.Journal.Memory.Limit <= 0 {
		errs = append(errs, errors.New("journal.memory.limit must be positive when memory is enabled"))
	}
	if c.Journal.Redis.Enabled && c.Journal.Redis.Key == "" {
		errs = append(errs, errors.New("journal.redis.key is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// IsPathAllowed reports whether a WebSocket request target may be served.
func (c *WebSocketConfig) IsPathAllowed(path string) bool {
	if len(c.Paths) == 0 {
		return true
	}
	for _, p := range c.Paths {
		if p == path {
			return true
		}
	}
	return false
}

// IsOriginAllowed checks if the given origin is allowed based on the config.
// Returns true if:
// - AllowedOrigins contains "*" (allow all)
// - AllowedOrigins contains the exact origin
// - AllowedOrigins is empty and origin matches the request host (same-origin)
func (c *WebSocketConfig) IsOriginAllowed(origin, requestHost string) bool {
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// isSameOrigin compares the host part of an Origin header with the Host
// header. A missing origin is a non-browser client and is allowed.
func isSameOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true
	}

	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
