package risk

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNew_DefaultsAreValid(t *testing.T) {
	limits, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if !limits.MaxPosition().Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected max position %s", limits.MaxPosition())
	}
	if limits.HoldTicks() != 0 {
		t.Fatalf("hold ticks should default to disabled")
	}
}

func TestNew_RejectsInvalidThresholds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"pBuy above one", func(c *Config) { c.PBuy = 1.2 }, "pBuy must be within [0,1]"},
		{"pSell negative", func(c *Config) { c.PSell = -0.1 }, "pSell must be within [0,1]"},
		{"pBuy NaN", func(c *Config) { c.PBuy = math.NaN() }, "pBuy"},
		{"negative size", func(c *Config) { c.MaxPosition = decimal.NewFromInt(-1) }, "maxPosition"},
		{"positive stop", func(c *Config) { c.StopLoss = 0.01 }, "stopLoss must be <= 0"},
		{"negative fee", func(c *Config) { c.FeeRate = -0.001 }, "feeRate must be >= 0"},
		{"negative hold", func(c *Config) { c.HoldTicks = -1 }, "holdTicks"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		_, err := New(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q in %v", tc.name, tc.want, err)
		}
	}
}

func TestLimitsAreACopy(t *testing.T) {
	cfg := DefaultConfig()
	limits := MustNew(cfg)
	cfg.PBuy = 0.9
	if limits.PBuy() != 0.55 {
		t.Fatalf("limits must not observe later config edits")
	}
	copied := limits.Config()
	copied.PSell = 0.1
	if limits.PSell() != 0.55 {
		t.Fatalf("Config() must return a copy")
	}
}

func TestSignalsAndExitReasons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldTicks = 3
	limits := MustNew(cfg)

	if !limits.BuySignal(0.56) || limits.BuySignal(0.55) {
		t.Fatalf("buy threshold is strict")
	}
	if !limits.SellSignal(0.44) || limits.SellSignal(0.45) {
		t.Fatalf("sell threshold is 1-pSell, strict")
	}
	if !limits.BreakerTripped(-0.01) || limits.BreakerTripped(-0.009) {
		t.Fatalf("breaker trips at or below max daily loss")
	}

	cases := []struct {
		pnl   float64
		ticks int
		want  string
	}{
		{-0.002, 0, "max_single_loss"},
		{0.003, 0, "take_profit"},
		{0.001, 3, "hold_ticks"},
		{0.001, 2, ""},
	}
	for _, tc := range cases {
		if got := limits.ExitReason(tc.pnl, tc.ticks); got != tc.want {
			t.Fatalf("pnl=%v ticks=%d: expected %q, got %q", tc.pnl, tc.ticks, tc.want, got)
		}
	}

	cfg.MaxSingleLoss = -0.01
	loose := MustNew(cfg)
	if got := loose.ExitReason(-0.004, 0); got != "stop_loss" {
		t.Fatalf("expected stop_loss, got %q", got)
	}
}
