// Package journal keeps a durable record of committed, undone and redone
// gestures in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

const schema = `
CREATE TABLE IF NOT EXISTS gestures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id       INTEGER NOT NULL,
	direction   TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	gesture_id  TEXT    NOT NULL DEFAULT '',
	entries     INTEGER NOT NULL,
	recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gestures_tx ON gestures(tx_id);
`

// Record is one journal row.
type Record struct {
	ID         int64
	TxID       int
	Direction  undo.Direction
	Name       string
	GestureID  string
	Entries    int
	RecordedAt time.Time
}

// Journal appends ledger operations to a SQLite table.
type Journal struct {
	db  *sql.DB
	log logging.Logger
	now func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the journal logger.
func WithLogger(log logging.Logger) Option {
	return func(j *Journal) {
		if log != nil {
			j.log = log
		}
	}
}

// Open opens (creating if needed) the journal database at path. Use
// ":memory:" for a throwaway journal.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writes.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Append writes one row for tx.
func (j *Journal) Append(ctx context.Context, dir undo.Direction, tx *undo.Transaction) error {
	if j == nil || j.db == nil {
		return ErrClosed
	}
	if tx == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO gestures (tx_id, direction, name, gesture_id, entries, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, string(dir), tx.Name, tx.GestureID, len(tx.Entries),
		j.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: append %s %d: %w", dir, tx.ID, err)
	}
	return nil
}

// Observer adapts the journal to an undo ledger. Write failures are logged;
// the ledger operation has already happened.
func (j *Journal) Observer() undo.Observer {
	return func(ctx context.Context, dir undo.Direction, tx *undo.Transaction) {
		if err := j.Append(ctx, dir, tx); err != nil {
			logging.FromContextOr(ctx, j.log).Warn(ctx, "journal write failed", logging.Err(err))
		}
	}
}

// Recent returns up to limit rows, newest first. A limit <= 0 returns all.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT id, tx_id, direction, name, gesture_id, entries, recorded_at
	      FROM gestures ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r   Record
			dir string
			at  string
		)
		if err := rows.Scan(&r.ID, &r.TxID, &dir, &r.Name, &r.GestureID, &r.Entries, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		r.Direction = undo.Direction(dir)
		if r.RecordedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("journal: row %d time %q: %w", r.ID, at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of rows per direction.
func (j *Journal) Count(ctx context.Context) (map[undo.Direction]int, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, `SELECT direction, COUNT(*) FROM gestures GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("journal: count: %w", err)
	}
	defer rows.Close()

	out := make(map[undo.Direction]int)
	for rows.Next() {
		var (
			dir string
			n   int
		)
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out[undo.Direction(dir)] = n
	}
	return out, rows.Err()
}
