// Package orderbook holds the local order book model and the snapshot/diff reconciliation that keeps it consistent.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side selects one half of the book.
type Side int

const (
	// Bid is the buy side.
	Bid Side = iota
	// Ask is the sell side.
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is a price with its resting quantity. In a DiffEvent a zero quantity removes the price.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is a point-in-time copy of the venue book.
type Snapshot struct {
	Symbol       string
	LastUpdateID uint64
	Bids         []Level
	Asks         []Level
}

// DiffEvent describes the level changes between FirstUpdateID and FinalUpdateID.
type DiffEvent struct {
	Symbol        string
	FirstUpdateID uint64
	FinalUpdateID uint64
	EventTime     time.Time
	BidChanges    []Level
	AskChanges    []Level
}

// State is the reconciled book for one symbol. Every stored level has a
// positive quantity. States handed to consumers are clones and must be
// treated as read-only.
type State struct {
	Symbol         string
	LastSequenceID uint64
	EventTime      time.Time

	bids map[string]Level
	asks map[string]Level
}

// NewState returns an empty book.
func NewState(symbol string) *State {
	return &State{
		Symbol: symbol,
		bids:   make(map[string]Level),
		asks:   make(map[string]Level),
	}
}

// priceKey normalises a price so 10, 10.0 and 10.00 address the same level.
func priceKey(p decimal.Decimal) string {
	return p.String()
}

func (s *State) side(side Side) map[string]Level {
	if side == Bid {
		return s.bids
	}
	return s.asks
}

func (s *State) load(snapshot Snapshot) {
	s.bids = make(map[string]Level, len(snapshot.Bids))
	s.asks = make(map[string]Level, len(snapshot.Asks))
	replaceSide(s.bids, snapshot.Bids)
	replaceSide(s.asks, snapshot.Asks)
	s.LastSequenceID = snapshot.LastUpdateID
}

func replaceSide(target map[string]Level, levels []Level) {
	for _, level := range levels {
		if level.Quantity.Sign() <= 0 {
			continue
		}
		target[priceKey(level.Price)] = level
	}
}

func (s *State) apply(diff DiffEvent) {
	updateSide(s.bids, diff.BidChanges)
	updateSide(s.asks, diff.AskChanges)
	s.LastSequenceID = diff.FinalUpdateID
	if !diff.EventTime.IsZero() {
		s.EventTime = diff.EventTime
	}
}

func updateSide(target map[string]Level, changes []Level) {
	for _, change := range changes {
		key := priceKey(change.Price)
		if change.Quantity.Sign() <= 0 {
			delete(target, key)
			continue
		}
		target[key] = change
	}
}

// Len returns the number of price levels on a side.
func (s *State) Len(side Side) int {
	return len(s.side(side))
}

// Quantity returns the resting quantity at price.
func (s *State) Quantity(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	level, ok := s.side(side)[priceKey(price)]
	return level.Quantity, ok
}

// BestBid returns the highest bid.
func (s *State) BestBid() (Level, bool) {
	return best(s.bids, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

// BestAsk returns the lowest ask.
func (s *State) BestAsk() (Level, bool) {
	return best(s.asks, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func best(levels map[string]Level, better func(a, b decimal.Decimal) bool) (Level, bool) {
	var (
		out   Level
		found bool
	)
	for _, level := range levels {
		if !found || better(level.Price, out.Price) {
			out = level
			found = true
		}
	}
	return out, found
}

// Levels returns the side ordered best first: bids descending, asks ascending.
func (s *State) Levels(side Side) []Level {
	return s.Depth(side, 0)
}

// Depth returns at most n levels ordered best first. n <= 0 returns the full side.
func (s *State) Depth(side Side, n int) []Level {
	source := s.side(side)
	out := make([]Level, 0, len(source))
	for _, level := range source {
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool {
		if side == Bid {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Clone returns an independent copy of the book.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Symbol:         s.Symbol,
		LastSequenceID: s.LastSequenceID,
		EventTime:      s.EventTime,
		bids:           make(map[string]Level, len(s.bids)),
		asks:           make(map[string]Level, len(s.asks)),
	}
	for k, v := range s.bids {
		out.bids[k] = v
	}
	for k, v := range s.asks {
		out.asks[k] = v
	}
	return out
}
