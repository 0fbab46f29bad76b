// Package paper is an in-process trading venue for dry runs. Market orders
// fill immediately at the current mark price.
package paper

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/trading"
)

const venue = "paper"

// DefaultAsset is the settlement asset of the simulated account.
const DefaultAsset = "USDT"

// FailureFunc decides whether an order is rejected. A nil return lets it fill.
type FailureFunc func(req trading.OrderRequest) error

// Option customises a Client.
type Option func(*Client)

// WithBalance seeds the account balance.
func WithBalance(asset string, amount decimal.Decimal) Option {
	return func(c *Client) {
		if strings.TrimSpace(asset) != "" {
			c.asset = asset
		}
		c.cash = amount
	}
}

// WithFailures installs a rejection hook.
func WithFailures(fn FailureFunc) Option {
	return func(c *Client) { c.fail = fn }
}

// WithLogger sets the logger used for fills.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type position struct {
	size  decimal.Decimal
	entry decimal.Decimal
}

// Client tracks positions and cash in memory. It is safe for concurrent use.
type Client struct {
	logger *log.Logger
	fail   FailureFunc
	seq    atomic.Uint64

	mu        sync.Mutex
	asset     string
	cash      decimal.Decimal
	marks     map[string]decimal.Decimal
	positions map[string]position
	open      map[string]trading.OrderRequest
}

var _ trading.Client = (*Client)(nil)

// NewClient returns an empty account.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:    log.New(io.Discard, "", 0),
		asset:     DefaultAsset,
		cash:      decimal.Zero,
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[string]position),
		open:      make(map[string]trading.OrderRequest),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetMark updates the fill price for symbol.
func (c *Client) SetMark(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.marks[normalise(symbol)] = price
	c.mu.Unlock()
}

// PlaceOrder fills market orders at the mark and parks limit orders until cancelled.
func (c *Client) PlaceOrder(ctx context.Context, req trading.OrderRequest) trading.OrderResult {
	if err := ctx.Err(); err != nil {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeOrderSubmission, errs.WithCause(err))}
	}
	req.Symbol = normalise(req.Symbol)
	if req.Symbol == "" || !req.Size.IsPositive() || (req.Side != trading.SideBuy && req.Side != trading.SideSell) {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeInvalid, errs.WithMessage("invalid order"))}
	}
	if c.fail != nil {
		if err := c.fail(req); err != nil {
			return trading.OrderResult{Err: errs.New(venue, errs.CodeOrderSubmission, errs.WithMessage("injected failure"), errs.WithCause(err))}
		}
	}
	id := fmt.Sprintf("paper-%d", c.seq.Add(1))

	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Type == trading.OrderTypeLimit {
		if req.Price == nil {
			return trading.OrderResult{Err: errs.New(venue, errs.CodeInvalid, errs.WithMessage("limit order requires price"))}
		}
		c.open[id] = req
		return trading.OrderResult{OrderID: id, Status: "NEW"}
	}
	mark, ok := c.marks[req.Symbol]
	if !ok || !mark.IsPositive() {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeOrderSubmission, errs.WithMessage("no mark price for "+req.Symbol))}
	}
	c.fill(req.Symbol, req.Side, req.Size, mark)
	c.logger.Printf("paper: filled %s %s %s @ %s id=%s", req.Symbol, req.Side, req.Size, mark, id)
	return trading.OrderResult{
		OrderID: id,
		Status:  "FILLED",
		Raw:     map[string]any{"price": mark.String(), "size": req.Size.String()},
	}
}

// fill applies a trade to the position and settles realised pnl into cash.
func (c *Client) fill(symbol string, side trading.Side, size, price decimal.Decimal) {
	pos := c.positions[symbol]
	delta := size
	if side == trading.SideSell {
		delta = size.Neg()
	}
	next := pos.size.Add(delta)

	switch {
	case pos.size.IsZero() || pos.size.Sign() == delta.Sign():
		// Opening or adding: weighted entry.
		notional := pos.entry.Mul(pos.size.Abs()).Add(price.Mul(size))
		pos.entry = notional.Div(next.Abs())
	default:
		closed := decimal.Min(size, pos.size.Abs())
		pnl := price.Sub(pos.entry).Mul(closed)
		if pos.size.IsNegative() {
			pnl = pnl.Neg()
		}
		c.cash = c.cash.Add(pnl)
		if next.Sign() != 0 && next.Sign() != pos.size.Sign() {
			pos.entry = price
		}
	}
	pos.size = next
	if pos.size.IsZero() {
		delete(c.positions, symbol)
		return
	}
	c.positions[symbol] = pos
}

// ClosePosition flattens a signed size with a market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, size decimal.Decimal) trading.OrderResult {
	return c.PlaceOrder(ctx, trading.OrderRequest{
		Symbol: symbol,
		Side:   trading.CloseSide(size),
		Size:   size.Abs(),
		Type:   trading.OrderTypeMarket,
	})
}

// CancelOrder removes a resting limit order.
func (c *Client) CancelOrder(_ context.Context, orderID string) trading.OrderResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[orderID]; !ok {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeInvalid,
			errs.WithMessage("unknown order "+orderID),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))}
	}
	delete(c.open, orderID)
	return trading.OrderResult{OrderID: orderID, Status: "CANCELED"}
}

// Balance reports cash plus realised pnl.
func (c *Client) Balance(context.Context) trading.BalanceResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return trading.BalanceResult{Balance: trading.Balance{Asset: c.asset, Total: c.cash, Available: c.cash}}
}

// Position reports the net position for symbol.
func (c *Client) Position(_ context.Context, symbol string) trading.PositionResult {
	symbol = normalise(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.positions[symbol]
	return trading.PositionResult{Position: trading.Position{Symbol: symbol, Size: pos.size, EntryPrice: pos.entry}}
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
