package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/internal/app/signal"
	"github.com/coachpo/orderflow/internal/domain/journal"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
	"github.com/coachpo/orderflow/internal/domain/trading"
	"github.com/coachpo/orderflow/internal/risk"
)

const (
	// DefaultPacing separates decision cycles.
	DefaultPacing = 50 * time.Millisecond
	// DefaultFlattenPacing separates cycles once the breaker has tripped.
	DefaultFlattenPacing = 100 * time.Millisecond
	// DefaultOrderTimeout bounds a single order submission.
	DefaultOrderTimeout = 10 * time.Second

	journalTimeout = 5 * time.Second
)

// Action is the outcome of one decision cycle.
type Action string

const (
	ActionNone      Action = "none"
	ActionSkip      Action = "skip"
	ActionOpenLong  Action = "open_long"
	ActionOpenShort Action = "open_short"
	ActionClose     Action = "close"
	ActionFlatten   Action = "flatten"
)

// Decision records what a cycle did. Result is set when an order was sent.
type Decision struct {
	Action      Action
	Reason      string
	Probability float64
	Quote       Quote
	PnL         float64
	Result      *trading.OrderResult
}

// Source yields book states in non-decreasing sequence order.
type Source interface {
	Next(ctx context.Context) (*orderbook.State, error)
}

// Config wires an Engine. A zero Pacing runs cycles back to back; FlattenPacing
// is never shorter than Pacing.
type Config struct {
	Symbol          string
	Limits          risk.Limits
	Scorer          signal.Scorer
	Client          trading.Client
	Journal         journal.Journal
	Pacing          time.Duration
	FlattenPacing   time.Duration
	ImbalanceDepths []int
	OrderTimeout    time.Duration
	Logger          *log.Logger
	Clock           func() time.Time
}

// Engine runs the position state machine for one symbol. Its position is
// mutated only by the goroutine calling Run or Step.
type Engine struct {
	cfg     Config
	logger  *log.Logger
	metrics *engineMetrics

	mu  sync.Mutex
	pos Position
}

// New validates cfg and returns a flat engine.
func New(cfg Config) (*Engine, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return nil, errors.New("execution: symbol required")
	}
	if cfg.Scorer == nil {
		return nil, errors.New("execution: scorer required")
	}
	if cfg.Client == nil {
		return nil, errors.New("execution: trading client required")
	}
	if err := cfg.Limits.Config().Validate(); err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	for _, depth := range cfg.ImbalanceDepths {
		if depth <= 0 {
			return nil, fmt.Errorf("execution: imbalance depth must be positive, got %d", depth)
		}
	}
	if cfg.ImbalanceDepths == nil {
		cfg.ImbalanceDepths = DefaultImbalanceDepths
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if cfg.FlattenPacing < cfg.Pacing {
		cfg.FlattenPacing = cfg.Pacing
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: newEngineMetrics(cfg.Symbol),
		pos:     Position{Size: decimal.Zero, EntryPrice: decimal.Zero},
	}, nil
}

// Position returns a copy of the current position.
func (e *Engine) Position() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Engine) setPosition(p Position) {
	e.mu.Lock()
	e.pos = p
	e.mu.Unlock()
}

// Run consumes states until ctx is cancelled. It returns ctx.Err() on
// cancellation and the source error otherwise.
func (e *Engine) Run(ctx context.Context, src Source) error {
	if src == nil {
		return errors.New("execution: source required")
	}
	for {
		state, err := src.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("execution: next state: %w", err)
		}
		e.Step(ctx, state)

		wait := e.cfg.Pacing
		if e.pos.Breaker {
			wait = e.cfg.FlattenPacing
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
}

// Step runs one decision cycle against state.
func (e *Engine) Step(ctx context.Context, state *orderbook.State) Decision {
	decision := e.step(ctx, state)
	e.metrics.recordDecision(context.WithoutCancel(ctx), decision.Action)
	return decision
}

func (e *Engine) step(ctx context.Context, state *orderbook.State) Decision {
	features, quote, ok := Features(state, e.cfg.Clock(), e.cfg.ImbalanceDepths)
	if !ok {
		return Decision{Action: ActionSkip, Reason: "empty_side"}
	}
	pos := e.pos

	if pos.Breaker || e.cfg.Limits.BreakerTripped(pos.DailyPnL) {
		if !pos.Breaker {
			pos.Breaker = true
			e.setPosition(pos)
			e.metrics.recordBreaker(context.WithoutCancel(ctx))
			e.logger.Printf("execution: %s daily loss breaker tripped daily_pnl=%.6f limit=%.6f", e.cfg.Symbol, pos.DailyPnL, e.cfg.Limits.MaxDailyLoss())
		}
		if pos.Flat() {
			return Decision{Action: ActionNone, Reason: "breaker", Quote: quote}
		}
		return e.flatten(ctx, pos, quote)
	}

	probability, err := signal.Evaluate(e.cfg.Scorer, features)
	if err != nil {
		e.logger.Printf("execution: %s skipping cycle seq=%d: %v", e.cfg.Symbol, state.LastSequenceID, err)
		return Decision{Action: ActionSkip, Reason: "score", Quote: quote}
	}

	if pos.Flat() {
		return e.maybeOpen(ctx, pos, probability, quote)
	}
	return e.maybeClose(ctx, pos, probability, quote)
}

func (e *Engine) maybeOpen(ctx context.Context, pos Position, probability float64, quote Quote) Decision {
	limits := e.cfg.Limits
	var (
		side   trading.Side
		action Action
	)
	switch {
	case limits.BuySignal(probability):
		side, action = trading.SideBuy, ActionOpenLong
	case limits.SellSignal(probability):
		side, action = trading.SideSell, ActionOpenShort
	default:
		return Decision{Action: ActionNone, Probability: probability, Quote: quote}
	}
	size := limits.MaxPosition()
	if !size.IsPositive() {
		return Decision{Action: ActionNone, Reason: "zero_size", Probability: probability, Quote: quote}
	}

	req := trading.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Size:          size,
		Type:          trading.OrderTypeMarket,
		Timestamp:     e.cfg.Clock(),
	}
	result := e.submit(ctx, side, func(orderCtx context.Context) trading.OrderResult {
		return e.cfg.Client.PlaceOrder(orderCtx, req)
	})
	decision := Decision{Action: action, Probability: probability, Quote: quote, Result: &result}

	if result.OK() {
		// Entry is recorded at the decision mid adjusted for slippage; fills are not confirmed.
		slip := decimal.NewFromFloat(limits.Slippage()).Mul(decimal.NewFromInt(int64(side.Sign())))
		entry := quote.Mid.Mul(decimal.NewFromInt(1).Add(slip))
		pos = pos.open(size.Mul(decimal.NewFromInt(int64(side.Sign()))), entry)
		e.setPosition(pos)
		e.logger.Printf("execution: %s %s size=%s entry=%s p=%.4f order=%s", e.cfg.Symbol, action, size, entry, probability, result.OrderID)
	} else {
		e.logger.Printf("execution: %s %s rejected, position unchanged: %v", e.cfg.Symbol, action, result.Err)
	}
	e.record(ctx, decision, side, size, pos)
	return decision
}

func (e *Engine) maybeClose(ctx context.Context, pos Position, probability float64, quote Quote) Decision {
	pos.TicksHeld++
	pnl := pos.PnL(quote.Mid)
	reason := e.cfg.Limits.ExitReason(pnl, pos.TicksHeld)
	if reason == "" {
		e.setPosition(pos)
		return Decision{Action: ActionNone, Reason: "hold", Probability: probability, Quote: quote, PnL: pnl}
	}

	side := trading.CloseSide(pos.Size)
	size := pos.Size.Abs()
	req := trading.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Size:          size,
		Type:          trading.OrderTypeMarket,
		Timestamp:     e.cfg.Clock(),
	}
	result := e.submit(ctx, side, func(orderCtx context.Context) trading.OrderResult {
		return e.cfg.Client.PlaceOrder(orderCtx, req)
	})
	decision := Decision{Action: ActionClose, Reason: reason, Probability: probability, Quote: quote, PnL: pnl, Result: &result}

	if result.OK() {
		pos = e.realise(ctx, pos, pnl)
		e.logger.Printf("execution: %s close reason=%s pnl=%.6f daily_pnl=%.6f order=%s", e.cfg.Symbol, reason, pnl, pos.DailyPnL, result.OrderID)
	} else {
		e.setPosition(pos)
		e.logger.Printf("execution: %s close reason=%s rejected, position unchanged: %v", e.cfg.Symbol, reason, result.Err)
	}
	e.record(ctx, decision, side, size, pos)
	return decision
}

func (e *Engine) flatten(ctx context.Context, pos Position, quote Quote) Decision {
	pnl := pos.PnL(quote.Mid)
	side := trading.CloseSide(pos.Size)
	size := pos.Size.Abs()
	result := e.submit(ctx, side, func(orderCtx context.Context) trading.OrderResult {
		return e.cfg.Client.ClosePosition(orderCtx, e.cfg.Symbol, pos.Size)
	})
	decision := Decision{Action: ActionFlatten, Reason: "breaker", Quote: quote, PnL: pnl, Result: &result}

	if result.OK() {
		pos = e.realise(ctx, pos, pnl)
		e.logger.Printf("execution: %s flattened pnl=%.6f daily_pnl=%.6f order=%s", e.cfg.Symbol, pnl, pos.DailyPnL, result.OrderID)
	} else {
		e.logger.Printf("execution: %s flatten rejected, position unchanged: %v", e.cfg.Symbol, result.Err)
	}
	e.record(ctx, decision, side, size, pos)
	return decision
}

// realise closes pos at pnl net of entry and exit fees.
func (e *Engine) realise(ctx context.Context, pos Position, pnl float64) Position {
	pos = pos.close(pnl - 2*e.cfg.Limits.FeeRate())
	if !pos.Breaker && e.cfg.Limits.BreakerTripped(pos.DailyPnL) {
		pos.Breaker = true
		e.metrics.recordBreaker(context.WithoutCancel(ctx))
		e.logger.Printf("execution: %s daily loss breaker tripped daily_pnl=%.6f limit=%.6f", e.cfg.Symbol, pos.DailyPnL, e.cfg.Limits.MaxDailyLoss())
	}
	e.setPosition(pos)
	e.metrics.recordDailyPnL(context.WithoutCancel(ctx), pos.DailyPnL)
	return pos
}

// submit sends an order on a context that survives caller cancellation so an
// issued order is always awaited and logged.
func (e *Engine) submit(ctx context.Context, side trading.Side, send func(context.Context) trading.OrderResult) trading.OrderResult {
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()
	started := time.Now()
	result := send(orderCtx)
	e.metrics.recordOrder(orderCtx, side, result, time.Since(started))
	return result
}

func (e *Engine) record(ctx context.Context, decision Decision, side trading.Side, size decimal.Decimal, pos Position) {
	entry := journal.Entry{
		ID:          uuid.New(),
		Symbol:      e.cfg.Symbol,
		Action:      journal.Action(decision.Action),
		Side:        string(side),
		Size:        size.String(),
		Probability: decision.Probability,
		Mid:         decision.Quote.Mid.String(),
		PnL:         decision.PnL,
		DailyPnL:    pos.DailyPnL,
		At:          e.cfg.Clock().UTC(),
	}
	if decision.Reason != "" {
		entry.Metadata = map[string]any{"reason": decision.Reason}
	}
	if decision.Result != nil {
		entry.OrderID = decision.Result.OrderID
		if decision.Result.Err != nil {
			entry.Error = decision.Result.Err.Error()
		}
	}
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.cfg.Journal.Record(journalCtx, entry); err != nil {
		e.logger.Printf("execution: %s journal write failed: %v", e.cfg.Symbol, err)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
