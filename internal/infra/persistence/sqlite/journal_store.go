// Package sqlite keeps the trade journal in a local SQLite file for paper
// runs and single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/coachpo/orderflow/internal/domain/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_journal (
    id           TEXT PRIMARY KEY,
    symbol       TEXT NOT NULL,
    action       TEXT NOT NULL,
    side         TEXT NOT NULL DEFAULT '',
    size         TEXT NOT NULL DEFAULT '0',
    probability  REAL NOT NULL DEFAULT 0,
    mid          TEXT NOT NULL DEFAULT '0',
    pnl          REAL NOT NULL DEFAULT 0,
    daily_pnl    REAL NOT NULL DEFAULT 0,
    order_id     TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}',
    recorded_at  TEXT NOT NULL,
    seq          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_journal_symbol_recorded
    ON trade_journal (symbol, recorded_at DESC, seq DESC);
`

const (
	insertSQL = `
INSERT OR IGNORE INTO trade_journal (
    id, symbol, action, side, size, probability, mid, pnl, daily_pnl,
    order_id, error, metadata, recorded_at, seq
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
    (SELECT COALESCE(MAX(seq), 0) + 1 FROM trade_journal))`

	selectSQL = `
SELECT id, symbol, action, side, size, probability, mid, pnl, daily_pnl,
       order_id, error, metadata, recorded_at
FROM trade_journal
WHERE symbol = ?
ORDER BY recorded_at DESC, seq DESC
LIMIT ?`

	// Fixed width keeps lexical and chronological order identical.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// JournalStore implements journal.Journal on a single SQLite connection.
type JournalStore struct {
	db *sql.DB
}

var _ journal.Journal = (*JournalStore)(nil)

// Open opens or creates the database at path and applies the schema.
// ":memory:" gives a private in-memory journal.
func Open(path string) (*JournalStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite journal: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: open %q: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite journal: apply schema: %w", err)
	}
	return &JournalStore{db: db}, nil
}

// Record appends entry.
func (s *JournalStore) Record(ctx context.Context, entry journal.Entry) error {
	if strings.TrimSpace(entry.Symbol) == "" {
		return fmt.Errorf("sqlite journal: symbol required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	metadata := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite journal: encode metadata: %w", err)
		}
		metadata = raw
	}
	_, err := s.db.ExecContext(ctx, insertSQL,
		entry.ID.String(),
		entry.Symbol,
		string(entry.Action),
		entry.Side,
		orZero(entry.Size),
		entry.Probability,
		orZero(entry.Mid),
		entry.PnL,
		entry.DailyPnL,
		entry.OrderID,
		entry.Error,
		string(metadata),
		entry.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite journal: insert entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for symbol, newest first.
func (s *JournalStore) Recent(ctx context.Context, symbol string, limit int) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL, strings.TrimSpace(symbol), journal.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: list entries: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var (
			entry      journal.Entry
			id, action string
			metadata   string
			recordedAt string
		)
		if err := rows.Scan(&id, &entry.Symbol, &action, &entry.Side, &entry.Size,
			&entry.Probability, &entry.Mid, &entry.PnL, &entry.DailyPnL,
			&entry.OrderID, &entry.Error, &metadata, &recordedAt); err != nil {
			return nil, fmt.Errorf("sqlite journal: scan entry: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite journal: entry id %q: %w", id, err)
		}
		if entry.At, err = time.Parse(timeLayout, recordedAt); err != nil {
			return nil, fmt.Errorf("sqlite journal: entry time %q: %w", recordedAt, err)
		}
		entry.Action = journal.Action(action)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite journal: decode metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite journal: iterate entries: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (s *JournalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func orZero(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "0"
}
