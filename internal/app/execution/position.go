package execution

import (
	"github.com/shopspring/decimal"
)

// Position is the engine's view of its exposure. Size is signed: positive
// long, negative short, zero flat. EntryPrice is meaningful only when the
// position is open. DailyPnL changes only when a position closes.
type Position struct {
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	DailyPnL   float64
	TicksHeld  int
	Breaker    bool
}

// Flat reports whether there is no open exposure.
func (p Position) Flat() bool { return p.Size.IsZero() }

// PnL is the unrealised return at mid as a fraction of the entry price.
func (p Position) PnL(mid decimal.Decimal) float64 {
	if p.Flat() || p.EntryPrice.IsZero() {
		return 0
	}
	ret := mid.Sub(p.EntryPrice).Div(p.EntryPrice).InexactFloat64()
	return ret * float64(p.Size.Sign())
}

func (p Position) open(size, entry decimal.Decimal) Position {
	p.Size = size
	p.EntryPrice = entry
	p.TicksHeld = 0
	return p
}

func (p Position) close(realised float64) Position {
	p.Size = decimal.Zero
	p.EntryPrice = decimal.Zero
	p.TicksHeld = 0
	p.DailyPnL += realised
	return p
}
