// Package journal defines persistence contracts for the trading decision log.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names a decision recorded by the execution engine.
type Action string

const (
	ActionOpenLong  Action = "open_long"
	ActionOpenShort Action = "open_short"
	ActionClose     Action = "close"
	ActionFlatten   Action = "flatten"
)

// Entry is one order decision and its outcome.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	Symbol      string         `json:"symbol"`
	Action      Action         `json:"action"`
	Side        string         `json:"side"`
	Size        string         `json:"size"`
	Probability float64        `json:"probability"`
	Mid         string         `json:"mid"`
	PnL         float64        `json:"pnl"`
	DailyPnL    float64        `json:"dailyPnl"`
	OrderID     string         `json:"orderId,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Journal stores entries. Implementations must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, symbol string, limit int) ([]Entry, error)
	Close() error
}

// DefaultRecentLimit caps Recent when callers pass a non-positive limit.
const DefaultRecentLimit = 100

// ClampLimit normalises a Recent limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// Discard is a Journal that drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }

func (Discard) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }

func (Discard) Close() error { return nil }
