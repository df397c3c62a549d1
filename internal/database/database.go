// Package database provides SQLite and PostgreSQL persistence for the
// command journal.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Database wraps a connection pool and the dialect it speaks.
type Database struct {
	db      *sql.DB
	dialect Dialect
	qb      *QueryBuilder
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*Database, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens the database described by cfg and runs migrations.
func OpenWithConfig(cfg Config) (*Database, error) {
	var (
		dialect Dialect
		dsn     string
	)
	switch DialectType(cfg.Driver) {
	case DialectSQLite, "":
		if cfg.SQLitePath == "" {
			return nil, errors.New("sqlite path is required")
		}
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialect = NewDialect(DialectSQLite)
		dsn = cfg.SQLitePath
	case DialectPostgres:
		dialect = NewDialect(DialectPostgres)
		dsn = cfg.Postgres.DSN()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, ok := dialect.(*SQLiteDialect); ok {
		// One writer at a time; a single connection also keeps :memory:
		// databases from splitting across the pool.
		db.SetMaxOpenConns(1)
	} else {
		pg := cfg.Postgres
		if pg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pg.MaxOpenConns)
		}
		if pg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pg.MaxIdleConns)
		}
		if pg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(pg.ConnMaxLifetime)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	for _, stmt := range dialect.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w\nSQL: %s", err, stmt)
		}
	}

	d := &Database{db: db, dialect: dialect, qb: NewQueryBuilder(dialect)}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// migrate creates the database schema if it doesn't exist.
func (d *Database) migrate() error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS journal (
			id %s,
			session TEXT NOT NULL,
			remote TEXT NOT NULL DEFAULT '',
			line TEXT NOT NULL,
			created_at %s NOT NULL
		)`, d.dialect.SerialPrimaryKey(), d.dialect.TimestampType()),

		`CREATE INDEX IF NOT EXISTS idx_journal_session ON journal(session)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// DB returns the underlying sql.DB for advanced operations.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() Dialect {
	return d.dialect
}

// insert runs an INSERT and returns the new row id on either dialect.
func (d *Database) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if d.dialect.SupportsLastInsertID() {
		result, err := d.db.ExecContext(ctx, d.qb.Build(query), args...)
		if err != nil {
			return 0, err
		}
		return result.LastInsertId()
	}

	var id int64
	err := d.db.QueryRowContext(ctx, d.qb.BuildWithReturning(query, "id"), args...).Scan(&id)
	return id, err
}
