// Package risk holds the per-session trading thresholds.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Config is the mutable, decoded form of the risk thresholds. Loss thresholds
// are negative fractions of the entry price.
type Config struct {
	// MaxPosition is the order size used when opening a position.
	MaxPosition decimal.Decimal `yaml:"maxPosition"`

	// MaxSingleLoss closes a position whose pnl falls to or below it.
	MaxSingleLoss float64 `yaml:"maxSingleLoss"`

	// MaxDailyLoss switches the engine to flatten-only mode once the
	// realised daily pnl falls to or below it.
	MaxDailyLoss float64 `yaml:"maxDailyLoss"`

	PBuy  float64 `yaml:"pBuy"`
	PSell float64 `yaml:"pSell"`

	// HoldTicks closes a position after that many decision cycles. Zero disables it.
	HoldTicks int `yaml:"holdTicks"`

	StopLoss   float64 `yaml:"stopLoss"`
	TakeProfit float64 `yaml:"takeProfit"`
	Slippage   float64 `yaml:"slippage"`
	FeeRate    float64 `yaml:"feeRate"`
}

// DefaultConfig mirrors the live trading defaults.
func DefaultConfig() Config {
	return Config{
		MaxPosition:   decimal.RequireFromString("0.01"),
		MaxSingleLoss: -0.002,
		MaxDailyLoss:  -0.01,
		PBuy:          0.55,
		PSell:         0.55,
		StopLoss:      -0.003,
		TakeProfit:    0.003,
	}
}

// Limits is a validated, read-only copy of Config.
type Limits struct {
	cfg Config
}

// New validates cfg and freezes it.
func New(cfg Config) (Limits, error) {
	if err := cfg.Validate(); err != nil {
		return Limits{}, err
	}
	return Limits{cfg: cfg}, nil
}

// MustNew panics on an invalid configuration. Intended for tests and literals.
func MustNew(cfg Config) Limits {
	limits, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return limits
}

// Validate reports every invalid threshold.
func (c Config) Validate() error {
	var errs []error
	if c.MaxPosition.Sign() < 0 {
		errs = append(errs, fmt.Errorf("risk maxPosition must be >= 0"))
	}
	for name, p := range map[string]float64{"pBuy": c.PBuy, "pSell": c.PSell} {
		if !finite(p) || p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("risk %s must be within [0,1]", name))
		}
	}
	for name, v := range map[string]float64{
		"maxSingleLoss": c.MaxSingleLoss,
		"maxDailyLoss":  c.MaxDailyLoss,
		"stopLoss":      c.StopLoss,
	} {
		if !finite(v) || v > 0 {
			errs = append(errs, fmt.Errorf("risk %s must be <= 0", name))
		}
	}
	for name, v := range map[string]float64{
		"takeProfit": c.TakeProfit,
		"slippage":   c.Slippage,
		"feeRate":    c.FeeRate,
	} {
		if !finite(v) || v < 0 {
			errs = append(errs, fmt.Errorf("risk %s must be >= 0", name))
		}
	}
	if c.HoldTicks < 0 {
		errs = append(errs, fmt.Errorf("risk holdTicks must be >= 0"))
	}
	return errors.Join(errs...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Config returns a copy of the thresholds.
func (l Limits) Config() Config { return l.cfg }

func (l Limits) MaxPosition() decimal.Decimal { return l.cfg.MaxPosition }
func (l Limits) MaxSingleLoss() float64       { return l.cfg.MaxSingleLoss }
func (l Limits) MaxDailyLoss() float64        { return l.cfg.MaxDailyLoss }
func (l Limits) PBuy() float64                { return l.cfg.PBuy }
func (l Limits) PSell() float64               { return l.cfg.PSell }
func (l Limits) HoldTicks() int               { return l.cfg.HoldTicks }
func (l Limits) StopLoss() float64            { return l.cfg.StopLoss }
func (l Limits) TakeProfit() float64          { return l.cfg.TakeProfit }
func (l Limits) Slippage() float64            { return l.cfg.Slippage }
func (l Limits) FeeRate() float64             { return l.cfg.FeeRate }

// BuySignal reports whether p opens a long.
func (l Limits) BuySignal(p float64) bool { return p > l.cfg.PBuy }

// SellSignal reports whether p opens a short.
func (l Limits) SellSignal(p float64) bool { return p < 1-l.cfg.PSell }

// BreakerTripped reports whether the realised daily pnl forces flatten-only mode.
func (l Limits) BreakerTripped(dailyPnL float64) bool { return dailyPnL <= l.cfg.MaxDailyLoss }

// ExitReason returns why an open position with the given pnl and age should
// close, or "" to keep holding.
func (l Limits) ExitReason(pnl float64, ticksHeld int) string {
	switch {
	case pnl <= l.cfg.MaxSingleLoss:
		return "max_single_loss"
	case pnl <= l.cfg.StopLoss:
		return "stop_loss"
	case pnl >= l.cfg.TakeProfit:
		return "take_profit"
	case l.cfg.HoldTicks > 0 && ticksHeld >= l.cfg.HoldTicks:
		return "hold_ticks"
	default:
		return ""
	}
}
