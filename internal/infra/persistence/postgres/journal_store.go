// Package postgres persists the trade journal in PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/internal/domain/journal"
)

const (
	journalInsertSQL = `
INSERT INTO trade_journal (
    id,
    symbol,
    action,
    side,
    size,
    probability,
    mid,
    pnl,
    daily_pnl,
    order_id,
    error,
    metadata,
    recorded_at
)
VALUES (
    @id,
    @symbol,
    @action,
    @side,
    @size,
    @probability,
    @mid,
    @pnl,
    @daily_pnl,
    @order_id,
    @error,
    @metadata::jsonb,
    @recorded_at
)
ON CONFLICT (id) DO NOTHING;
`

	journalSelectSQL = `
SELECT
    id,
    symbol,
    action,
    side,
    size::text,
    probability,
    mid::text,
    pnl,
    daily_pnl,
    order_id,
    error,
    metadata,
    recorded_at
FROM trade_journal
WHERE symbol = $1
ORDER BY recorded_at DESC, created_at DESC
LIMIT $2
`
)

// JournalStore writes journal entries to the trade_journal table.
type JournalStore struct {
	pool  *pgxpool.Pool
	owned bool
}

var _ journal.Journal = (*JournalStore)(nil)

// NewJournalStore wraps an existing pool. Close leaves the pool open.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// PoolConfig sizes the pgx pool. Zero fields keep the pgx defaults.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

func (c PoolConfig) parse() (*pgxpool.Config, error) {
	if strings.TrimSpace(c.DSN) == "" {
		return nil, fmt.Errorf("journal store: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(c.DSN))
	if err != nil {
		return nil, fmt.Errorf("journal store: parse dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = c.HealthCheckPeriod
	}
	return cfg, nil
}

// OpenJournal connects with cfg and registers pool gauges under poolName.
// The returned store owns the pool.
func OpenJournal(ctx context.Context, cfg PoolConfig, poolName string) (*JournalStore, error) {
	poolCfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}
	ObservePoolMetrics(pool, poolName)
	return &JournalStore{pool: pool, owned: true}, nil
}

func (s *JournalStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// Record inserts entry. A zero ID is replaced with a fresh one and a zero
// timestamp with the current time.
func (s *JournalStore) Record(ctx context.Context, entry journal.Entry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(entry.Symbol) == "" {
		return fmt.Errorf("journal store: symbol required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	size, err := numericFromString(entry.Size)
	if err != nil {
		return fmt.Errorf("journal store: size: %w", err)
	}
	mid, err := numericFromString(entry.Mid)
	if err != nil {
		return fmt.Errorf("journal store: mid: %w", err)
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":          entry.ID,
		"symbol":      entry.Symbol,
		"action":      string(entry.Action),
		"side":        entry.Side,
		"size":        size,
		"probability": entry.Probability,
		"mid":         mid,
		"pnl":         entry.PnL,
		"daily_pnl":   entry.DailyPnL,
		"order_id":    entry.OrderID,
		"error":       entry.Error,
		"metadata":    metadata,
		"recorded_at": entry.At,
	}
	if _, err := pool.Exec(ctx, journalInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for symbol, newest first.
func (s *JournalStore) Recent(ctx context.Context, symbol string, limit int) ([]journal.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, journalSelectSQL, strings.TrimSpace(symbol), journal.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal store: list entries: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var (
			entry         journal.Entry
			action        string
			metadataBytes []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Symbol,
			&action,
			&entry.Side,
			&entry.Size,
			&entry.Probability,
			&entry.Mid,
			&entry.PnL,
			&entry.DailyPnL,
			&entry.OrderID,
			&entry.Error,
			&metadataBytes,
			&entry.At,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan entry: %w", err)
		}
		entry.Action = journal.Action(action)
		entry.Metadata, err = decodeMetadata(metadataBytes)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate entries: %w", err)
	}
	return entries, nil
}

// Close releases the pool when the store opened it.
func (s *JournalStore) Close() error {
	if s != nil && s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("journal store: encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("journal store: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
