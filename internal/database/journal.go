package database

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// JournalRecord is one stored command line.
type JournalRecord struct {
	ID        int64
	Session   string
	Remote    string
	Line      string
	CreatedAt time.Time
}

// AppendJournal stores a line and returns its id.
func (d *Database) AppendJournal(ctx context.Context, session, remote, line string, at time.Time) (int64, error) {
	id, err := d.insert(ctx,
		"INSERT INTO journal (session, remote, line, created_at) VALUES (?, ?, ?, ?)",
		session, remote, line, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return id, nil
}

// CountJournal returns the number of stored lines.
func (d *Database) CountJournal(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return count, nil
}

// RecentJournal returns up to limit of the newest lines, oldest first.
func (d *Database) RecentJournal(ctx context.Context, limit int) ([]JournalRecord, error) {
	rows, err := d.db.QueryContext(ctx, d.qb.Build(
		"SELECT id, session, remote, line, created_at FROM journal ORDER BY id DESC LIMIT ?"),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var records []JournalRecord
	for rows.Next() {
		var r JournalRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Remote, &r.Line, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	slices.Reverse(records)
	return records, nil
}

// SessionJournal returns every line recorded for one session, oldest first.
func (d *Database) SessionJournal(ctx context.Context, session string) ([]JournalRecord, error) {
	rows, err := d.db.QueryContext(ctx, d.qb.Build(
		"SELECT id, session, remote, line, created_at FROM journal WHERE session = ? ORDER BY id"),
		session,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var records []JournalRecord
	for rows.Next() {
		var r JournalRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Remote, &r.Line, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return records, nil
}

// EachJournal calls fn for every stored line in id order, stopping at the
// first error.
func (d *Database) EachJournal(ctx context.Context, fn func(JournalRecord) error) error {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, session, remote, line, created_at FROM journal ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r JournalRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Remote, &r.Line, &r.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan journal entry: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
