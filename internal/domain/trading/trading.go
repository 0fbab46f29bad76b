// Package trading defines the order model and the venue trading contract used by the execution engine.
package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	// SideBuy buys the base asset.
	SideBuy Side = "BUY"
	// SideSell sells the base asset.
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket fills at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit rests at Price.
	OrderTypeLimit OrderType = "LIMIT"
)

// OrderRequest describes an order submission.
type OrderRequest struct {
	ClientOrderID string           `json:"clientOrderId"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Type          OrderType        `json:"type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// OrderResult carries either the venue acknowledgement or the submission failure.
type OrderResult struct {
	OrderID string
	Status  string
	Raw     map[string]any
	Err     error
}

// OK reports whether the venue accepted the request.
func (r OrderResult) OK() bool { return r.Err == nil }

// Balance is an account balance in the settlement asset.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// BalanceResult wraps Balance with an explicit error.
type BalanceResult struct {
	Balance Balance
	Err     error
}

// Position is the venue view of a symbol's net exposure. Size is signed.
type Position struct {
	Symbol     string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// PositionResult wraps Position with an explicit error.
type PositionResult struct {
	Position Position
	Err      error
}

// Client is a venue that accepts orders. Failures are reported in the result's
// Err field rather than as a second return value so callers always get a
// value to log.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) OrderResult
	ClosePosition(ctx context.Context, symbol string, size decimal.Decimal) OrderResult
	CancelOrder(ctx context.Context, orderID string) OrderResult
	Balance(ctx context.Context) BalanceResult
	Position(ctx context.Context, symbol string) PositionResult
}

// CloseSide returns the side that flattens a signed position.
func CloseSide(size decimal.Decimal) Side {
	if size.Sign() > 0 {
		return SideSell
	}
	return SideBuy
}
