package journal

import (
	"context"

	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/database"
)

// SQLBackend appends entries to the journal table of a SQLite or
// PostgreSQL database.
type SQLBackend struct {
	db   *database.Database
	name string
}

// OpenSQL opens the database described by cfg and migrates it.
func OpenSQL(cfg config.SQLJournalConfig) (*SQLBackend, error) {
	db, err := database.OpenWithConfig(database.FromJournal(cfg))
	if err != nil {
		return nil, err
	}
	return NewSQLBackend(db), nil
}

func NewSQLBackend(db *database.Database) *SQLBackend {
	return &SQLBackend{db: db, name: db.Dialect().DriverName()}
}

func (s *SQLBackend) Name() string { return s.name }

func (s *SQLBackend) Append(ctx context.Context, e Entry) error {
	_, err := s.db.AppendJournal(ctx, e.Session, e.Remote, e.Line, e.At)
	return err
}

// History returns every entry recorded for session, oldest first.
func (s *SQLBackend) History(ctx context.Context, session string) ([]Entry, error) {
	records, err := s.db.SessionJournal(ctx, session)
	if err != nil {
		return nil, err
	}
	return toEntries(records), nil
}

// Count returns the number of stored entries.
func (s *SQLBackend) Count(ctx context.Context) (int, error) {
	return s.db.CountJournal(ctx)
}

// Recent returns up to n of the newest entries, oldest first.
func (s *SQLBackend) Recent(ctx context.Context, n int) ([]Entry, error) {
	records, err := s.db.RecentJournal(ctx, n)
	if err != nil {
		return nil, err
	}
	return toEntries(records), nil
}

func toEntries(records []database.JournalRecord) []Entry {
	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{Session: r.Session, Remote: r.Remote, Line: r.Line, At: r.CreatedAt}
	}
	return entries
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}
