// Package execution maps consistent order book states to trading actions
// under the session's risk limits.
package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

// DefaultImbalanceDepths are the book depths summarised as imbalance features.
var DefaultImbalanceDepths = []int{5, 10}

const imbalanceEpsilon = 1e-9

var two = decimal.NewFromInt(2)

// Quote is the top of book at decision time.
type Quote struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Mid     decimal.Decimal
	Spread  decimal.Decimal
}

// QuoteOf derives the top of book. It reports false when either side is empty.
func QuoteOf(state *orderbook.State) (Quote, bool) {
	if state == nil {
		return Quote{}, false
	}
	bid, ok := state.BestBid()
	if !ok {
		return Quote{}, false
	}
	ask, ok := state.BestAsk()
	if !ok {
		return Quote{}, false
	}
	return Quote{
		BestBid: bid.Price,
		BestAsk: ask.Price,
		Mid:     bid.Price.Add(ask.Price).Div(two),
		Spread:  ask.Price.Sub(bid.Price),
	}, true
}

// Features builds the model input:
//
//	[spread, spread/mid, seconds since UTC midnight, imbalance@depth...]
//
// The time feature uses the venue event time and falls back to now.
func Features(state *orderbook.State, now time.Time, depths []int) ([]float64, Quote, bool) {
	quote, ok := QuoteOf(state)
	if !ok {
		return nil, Quote{}, false
	}
	spread := quote.Spread.InexactFloat64()
	mid := quote.Mid.InexactFloat64()
	relative := 0.0
	if mid != 0 {
		relative = spread / mid
	}

	at := state.EventTime
	if at.IsZero() {
		at = now
	}
	features := make([]float64, 0, 3+len(depths))
	features = append(features, spread, relative, secondsSinceMidnight(at))
	for _, depth := range depths {
		features = append(features, imbalance(state, depth))
	}
	return features, quote, true
}

func secondsSinceMidnight(t time.Time) float64 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return t.Sub(midnight).Seconds()
}

// imbalance is (bidVol-askVol)/(bidVol+askVol) over the best depth levels.
func imbalance(state *orderbook.State, depth int) float64 {
	bidVol := volume(state.Depth(orderbook.Bid, depth))
	askVol := volume(state.Depth(orderbook.Ask, depth))
	return (bidVol - askVol) / (bidVol + askVol + imbalanceEpsilon)
}

func volume(levels []orderbook.Level) float64 {
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Quantity)
	}
	return total.InexactFloat64()
}
