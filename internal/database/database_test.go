package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencog/cogserver-net/internal/config"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var count int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM journal").Scan(&count); err != nil {
		t.Errorf("Failed to query journal table: %v", err)
	}
	if _, ok := db.Dialect().(*SQLiteDialect); !ok {
		t.Errorf("Expected SQLite dialect, got %T", db.Dialect())
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	nestedPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(nestedPath)
	if err != nil {
		t.Fatalf("Failed to open database with nested path: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nestedPath); os.IsNotExist(err) {
		t.Error("Database file was not created in nested directory")
	}
}

func TestOpenWithConfig_Errors(t *testing.T) {
	if _, err := OpenWithConfig(Config{Driver: "mysql", SQLitePath: "x.db"}); err == nil {
		t.Error("Expected error for unsupported driver")
	}
	if _, err := OpenWithConfig(Config{Driver: "sqlite"}); err == nil {
		t.Error("Expected error for missing sqlite path")
	}
}

func TestOpenWithConfig_Memory(t *testing.T) {
	db, err := OpenWithConfig(Config{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	defer db.Close()

	if _, err := db.AppendJournal(context.Background(), "s", "r", "line", time.Now()); err != nil {
		t.Fatalf("AppendJournal failed: %v", err)
	}
	count, err := db.CountJournal(context.Background())
	if err != nil || count != 1 {
		t.Errorf("CountJournal() = %d, %v; want 1", count, err)
	}
}

func TestMigration_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		if _, err := db.AppendJournal(context.Background(), "s", "", fmt.Sprintf("line %d", i), time.Now()); err != nil {
			t.Fatalf("AppendJournal #%d failed: %v", i+1, err)
		}
		db.Close()
	}

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()
	if count, _ := db.CountJournal(context.Background()); count != 3 {
		t.Errorf("Expected 3 entries to survive reopening, got %d", count)
	}
}

func TestMigration_WALModeEnabled(t *testing.T) {
	db := openTestDB(t)

	var mode string
	if err := db.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestAppendJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	first, err := db.AppendJournal(ctx, "sess-1", "127.0.0.1:5000", "(Concept \"cat\")", at)
	if err != nil {
		t.Fatalf("AppendJournal failed: %v", err)
	}
	second, err := db.AppendJournal(ctx, "sess-1", "127.0.0.1:5000", "(Concept \"dog\")", at.Add(time.Second))
	if err != nil {
		t.Fatalf("AppendJournal failed: %v", err)
	}
	if second <= first {
		t.Errorf("Expected increasing ids, got %d then %d", first, second)
	}

	records, err := db.RecentJournal(ctx, 10)
	if err != nil {
		t.Fatalf("RecentJournal failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Line != "(Concept \"cat\")" || records[1].Line != "(Concept \"dog\")" {
		t.Errorf("Records out of order: %+v", records)
	}
	if records[0].Session != "sess-1" || records[0].Remote != "127.0.0.1:5000" {
		t.Errorf("Unexpected record fields: %+v", records[0])
	}
	if !records[0].CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", records[0].CreatedAt, at)
	}
}

func TestRecentJournal_Limit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := db.AppendJournal(ctx, "s", "", fmt.Sprintf("line-%d", i), time.Now()); err != nil {
			t.Fatalf("AppendJournal failed: %v", err)
		}
	}

	records, err := db.RecentJournal(ctx, 2)
	if err != nil {
		t.Fatalf("RecentJournal failed: %v", err)
	}
	if len(records) != 2 || records[0].Line != "line-3" || records[1].Line != "line-4" {
		t.Errorf("Expected the two newest lines oldest first, got %+v", records)
	}
}

func TestSessionJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.AppendJournal(ctx, "a", "10.0.0.1:5000", "a1", at)
	db.AppendJournal(ctx, "b", "", "b1", at)
	db.AppendJournal(ctx, "a", "10.0.0.1:5000", "a2", at.Add(time.Second))

	records, err := db.SessionJournal(ctx, "a")
	if err != nil {
		t.Fatalf("SessionJournal failed: %v", err)
	}
	if len(records) != 2 || records[0].Line != "a1" || records[1].Line != "a2" {
		t.Fatalf("SessionJournal(a) = %+v", records)
	}
	if records[0].Session != "a" || records[0].Remote != "10.0.0.1:5000" {
		t.Errorf("SessionJournal(a)[0] = %+v", records[0])
	}
	if !records[1].CreatedAt.Equal(at.Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want %v", records[1].CreatedAt, at.Add(time.Second))
	}

	records, err = db.SessionJournal(ctx, "nobody")
	if err != nil || len(records) != 0 {
		t.Errorf("SessionJournal(nobody) = %v, %v", records, err)
	}
}

func TestFromJournal(t *testing.T) {
	cfg := FromJournal(config.SQLJournalConfig{
		Driver:           "postgres",
		PostgresUser:     "cog",
		PostgresDatabase: "atomspace",
	})

	if cfg.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Driver)
	}
	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 || cfg.Postgres.SSLMode != "disable" {
		t.Errorf("Expected postgres defaults, got %+v", cfg.Postgres)
	}
	if cfg.Postgres.MaxOpenConns != 25 {
		t.Errorf("Expected default pool settings, got %d", cfg.Postgres.MaxOpenConns)
	}

	want := "host=localhost port=5432 user=cog password= dbname=atomspace sslmode=disable"
	if got := cfg.Postgres.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestEachJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, line := range []string{"a", "b", "c"} {
		db.AppendJournal(ctx, "s", "", line, time.Now())
	}

	var seen []string
	err := db.EachJournal(ctx, func(r JournalRecord) error {
		seen = append(seen, r.Line)
		return nil
	})
	if err != nil {
		t.Fatalf("EachJournal failed: %v", err)
	}
	if strings.Join(seen, ",") != "a,b,c" {
		t.Errorf("EachJournal visited %v", seen)
	}

	stop := errors.New("stop")
	calls := 0
	err = db.EachJournal(ctx, func(JournalRecord) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("EachJournal should stop at the first error: err=%v calls=%d", err, calls)
	}
}
