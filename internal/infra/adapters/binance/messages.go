package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(trimmed) == 0 {
			*ts = 0
			return nil
		}
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = binanceTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

func (ts binanceTimestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

type depthSnapshot struct {
	LastUpdateID int64            `json:"lastUpdateId"`
	EventTime    binanceTimestamp `json:"E"`
	Bids         [][]string       `json:"bids"`
	Asks         [][]string       `json:"asks"`
}

// depthDiffMessage is a depthUpdate frame. Futures frames also carry pu, the
// previous frame's final id, which the synchronizer does not need. U and u
// are pointers so a missing id is distinguishable from zero.
type depthDiffMessage struct {
	EventType     string           `json:"e"`
	EventTime     binanceTimestamp `json:"E"`
	Symbol        string           `json:"s"`
	FirstUpdateID *uint64          `json:"U"`
	FinalUpdateID *uint64          `json:"u"`
	PrevFinalID   uint64           `json:"pu"`
	Bids          [][]string       `json:"b"`
	Asks          [][]string       `json:"a"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func toLevels(raw [][]string) ([]orderbook.Level, error) {
	out := make([]orderbook.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(entry))
		}
		price, ok := parseDecimal(entry[0])
		if !ok {
			return nil, fmt.Errorf("invalid price %q", entry[0])
		}
		qty, ok := parseDecimal(entry[1])
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", entry[1])
		}
		out = append(out, orderbook.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

// toDiff expects both update ids to be present.
func (m depthDiffMessage) toDiff() (orderbook.DiffEvent, error) {
	bids, err := toLevels(m.Bids)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := toLevels(m.Asks)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("asks: %w", err)
	}
	return orderbook.DiffEvent{
		Symbol:        strings.ToUpper(m.Symbol),
		FirstUpdateID: *m.FirstUpdateID,
		FinalUpdateID: *m.FinalUpdateID,
		EventTime:     m.EventTime.Time(),
		BidChanges:    bids,
		AskChanges:    asks,
	}, nil
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}
