package database

import (
	"fmt"
	"time"

	"github.com/opencog/cogserver-net/internal/config"
)

// Config holds database connection configuration.
type Config struct {
	// Driver specifies which database to use: "sqlite" or "postgres"
	Driver string

	SQLitePath string

	Postgres PostgresConfig
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the key=value connection string understood by lib/pq.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// DefaultConfig returns a Config with sensible defaults for SQLite.
func DefaultConfig(sqlitePath string) Config {
	return Config{
		Driver:     string(DialectSQLite),
		SQLitePath: sqlitePath,
	}
}

// DefaultPostgresConfig returns PostgresConfig with recommended pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// FromJournal maps the journal's SQL section onto a Config. Unset
// PostgreSQL fields keep DefaultPostgresConfig values.
func FromJournal(cfg config.SQLJournalConfig) Config {
	pg := DefaultPostgresConfig()
	if cfg.PostgresHost != "" {
		pg.Host = cfg.PostgresHost
	}
	if cfg.PostgresPort != 0 {
		pg.Port = cfg.PostgresPort
	}
	if cfg.PostgresSSLMode != "" {
		pg.SSLMode = cfg.PostgresSSLMode
	}
	pg.User = cfg.PostgresUser
	pg.Password = cfg.PostgresPassword
	pg.Database = cfg.PostgresDatabase

	return Config{
		Driver:     cfg.Driver,
		SQLitePath: cfg.SQLitePath,
		Postgres:   pg,
	}
}
