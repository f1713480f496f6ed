// Package ledger records which days have already been synced so reruns can
// skip them. The record lives in a small SQLite database; the full set of
// synced days is loaded into memory when the ledger is opened and every
// mutation is written through to disk immediately.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS synced_days (
	day TEXT PRIMARY KEY,
	synced_at TIMESTAMP NOT NULL
);
`

// Ledger tracks synced days, keyed by their YYYY-MM-DD date string.
type Ledger struct {
	db   *sql.DB
	days map[string]struct{}
	log  *zap.Logger
}

// Open opens (creating if necessary) the ledger database at path and loads
// all recorded days. A file that exists but is not a readable ledger
// database yields errs.ErrLedgerCorrupt.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrapCorrupt(err, path, "initializing ledger schema")
	}

	days, err := loadDays(db)
	if err != nil {
		db.Close()
		return nil, wrapCorrupt(err, path, "loading ledger")
	}

	log.Debug("ledger opened", zap.String("path", path), zap.Int("days", len(days)))
	return &Ledger{db: db, days: days, log: log}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsSynced reports whether the given day has been recorded as synced.
func (l *Ledger) IsSynced(day string) bool {
	_, ok := l.days[day]
	return ok
}

// MarkSynced records the day as synced, writing through to disk before
// returning. Re-marking an already synced day refreshes its timestamp.
func (l *Ledger) MarkSynced(ctx context.Context, day string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO synced_days (day, synced_at) VALUES (?, ?)",
		day, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording synced day %s: %w", day, err)
	}
	l.days[day] = struct{}{}
	l.log.Debug("day recorded in ledger", zap.String("day", day))
	return nil
}

// MostRecentDay returns the latest synced day, or false if the ledger is
// empty. YYYY-MM-DD strings order lexicographically by date.
func (l *Ledger) MostRecentDay() (string, bool) {
	var most string
	for d := range l.days {
		if d > most {
			most = d
		}
	}
	return most, most != ""
}

// Len returns the number of recorded days.
func (l *Ledger) Len() int {
	return len(l.days)
}

func loadDays(db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.Query("SELECT day FROM synced_days")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	days := make(map[string]struct{})
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days[day] = struct{}{}
	}
	return days, rows.Err()
}

// wrapCorrupt maps SQLite's not-a-database and corruption errors onto
// errs.ErrLedgerCorrupt so callers can offer recovery.
func wrapCorrupt(err error, path, doing string) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrNotADB || sqlErr.Code == sqlite3.ErrCorrupt) {
		return fmt.Errorf("%w: %s: %v", errs.ErrLedgerCorrupt, path, err)
	}
	return fmt.Errorf("%s %s: %w", doing, path, err)
}
