package orderbook

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(price, qty string) Level {
	return Level{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func diff(first, final uint64, bids, asks []Level) DiffEvent {
	return DiffEvent{Symbol: "BTCUSDT", FirstUpdateID: first, FinalUpdateID: final, BidChanges: bids, AskChanges: asks}
}

func bootstrapped(t *testing.T, policy GapPolicy) *Synchronizer {
	t.Helper()
	s := NewSynchronizer("BTCUSDT", policy)
	states, err := s.Bootstrap(Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 100,
		Bids:         []Level{lvl("10.0", "1")},
		Asks:         []Level{lvl("11.0", "2")},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(states) != 1 || states[0].LastSequenceID != 100 {
		t.Fatalf("expected bootstrap state at 100, got %+v", states)
	}
	return s
}

func TestBridgingDiffAppliesAndRemovesZeroLevels(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 3})

	outcome, state := s.Apply(diff(101, 105, []Level{lvl("10.0", "0")}, []Level{lvl("11.5", "3")}))
	if outcome != Applied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	if state.LastSequenceID != 105 {
		t.Fatalf("expected frontier 105, got %d", state.LastSequenceID)
	}
	if _, ok := state.Quantity(Bid, decimal.RequireFromString("10")); ok {
		t.Fatalf("zero quantity must remove the bid level")
	}
	if state.Len(Bid) != 0 {
		t.Fatalf("expected empty bid side, got %d levels", state.Len(Bid))
	}
	if q, ok := state.Quantity(Ask, decimal.RequireFromString("11.50")); !ok || !q.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected ask 11.5 with qty 3, got %v %v", q, ok)
	}
}

func TestOverlappingDiffBridges(t *testing.T) {
	s := bootstrapped(t, GapPolicy{})
	outcome, state := s.Apply(diff(95, 103, []Level{lvl("10.0", "4")}, nil))
	if outcome != Applied || state.LastSequenceID != 103 {
		t.Fatalf("expected overlapping diff to apply, got %s", outcome)
	}
	if q, _ := state.Quantity(Bid, decimal.RequireFromString("10")); !q.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected bid qty 4, got %s", q)
	}
}

func TestStaleDiffIsDiscardedWithoutMutation(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 1})
	for _, d := range []DiffEvent{
		diff(90, 100, []Level{lvl("10.0", "0")}, nil),
		diff(50, 60, []Level{lvl("9.0", "1")}, nil),
	} {
		outcome, state := s.Apply(d)
		if outcome != Stale || state != nil {
			t.Fatalf("expected stale discard, got %s", outcome)
		}
	}
	if s.LastUpdateID() != 100 {
		t.Fatalf("frontier moved on stale diff: %d", s.LastUpdateID())
	}
	if !s.Ready() {
		t.Fatalf("stale diffs must never force a resync")
	}
}

func TestGapIsDiscardedAndForcesResyncAfterLimit(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 3})

	for i := 0; i < 2; i++ {
		outcome, state := s.Apply(diff(110, 115, []Level{lvl("9.5", "1")}, nil))
		if outcome != Gap || state != nil {
			t.Fatalf("gap %d: expected gap discard, got %s", i, outcome)
		}
		if s.LastUpdateID() != 100 {
			t.Fatalf("gap mutated frontier: %d", s.LastUpdateID())
		}
	}
	outcome, _ := s.Apply(diff(116, 120, nil, nil))
	if outcome != ResyncRequired {
		t.Fatalf("expected resync after 3 gaps, got %s", outcome)
	}
	if s.Ready() {
		t.Fatalf("synchronizer must leave ready mode on resync")
	}
	if outcome, _ := s.Apply(diff(121, 125, nil, nil)); outcome != Buffered {
		t.Fatalf("diffs after resync must be buffered, got %s", outcome)
	}
	stats := s.Stats()
	if stats.Gaps != 3 || stats.Resyncs != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAppliedDiffResetsGapCounter(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 2})
	if outcome, _ := s.Apply(diff(110, 115, nil, nil)); outcome != Gap {
		t.Fatalf("expected gap, got %s", outcome)
	}
	if outcome, _ := s.Apply(diff(101, 102, nil, nil)); outcome != Applied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	if outcome, _ := s.Apply(diff(110, 115, nil, nil)); outcome != Gap {
		t.Fatalf("counter should have reset, got %s", outcome)
	}
}

func TestBootstrapReplaysBufferedDiffsInArrivalOrder(t *testing.T) {
	s := NewSynchronizer("BTCUSDT", GapPolicy{MaxConsecutiveGaps: 5})
	buffered := []DiffEvent{
		diff(90, 99, []Level{lvl("10.0", "9")}, nil), // stale against snapshot 100
		diff(98, 102, []Level{lvl("10.0", "2")}, nil),
		diff(103, 104, nil, []Level{lvl("11.0", "0")}),
		diff(110, 111, nil, nil), // gap
	}
	for _, d := range buffered {
		if outcome, _ := s.Apply(d); outcome != Buffered {
			t.Fatalf("expected buffered before bootstrap, got %s", outcome)
		}
	}

	states, err := s.Bootstrap(Snapshot{
		LastUpdateID: 100,
		Bids:         []Level{lvl("10.0", "1")},
		Asks:         []Level{lvl("11.0", "2")},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	want := []uint64{100, 102, 104}
	if len(states) != len(want) {
		t.Fatalf("expected %d states, got %d", len(want), len(states))
	}
	for i, seq := range want {
		if states[i].LastSequenceID != seq {
			t.Fatalf("state %d: expected seq %d, got %d", i, seq, states[i].LastSequenceID)
		}
	}
	if q, _ := states[2].Quantity(Bid, decimal.RequireFromString("10")); !q.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected replayed bid qty 2, got %s", q)
	}
	if states[2].Len(Ask) != 0 {
		t.Fatalf("expected ask removed by replay")
	}
	if s.Pending() != 0 {
		t.Fatalf("buffer should be drained, %d left", s.Pending())
	}
}

func TestResyncRebootstrapsFromFreshSnapshot(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 1})
	if outcome, _ := s.Apply(diff(150, 155, []Level{lvl("10.5", "1")}, nil)); outcome != ResyncRequired {
		t.Fatalf("expected resync, got %s", outcome)
	}
	s.Apply(diff(156, 160, []Level{lvl("10.6", "1")}, nil))

	states, err := s.Bootstrap(Snapshot{LastUpdateID: 152, Bids: []Level{lvl("10.1", "1")}, Asks: []Level{lvl("11.0", "1")}})
	if err != nil {
		t.Fatalf("rebootstrap: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected snapshot plus two replayed diffs, got %d states", len(states))
	}
	last := states[len(states)-1]
	if last.LastSequenceID != 160 {
		t.Fatalf("expected frontier 160, got %d", last.LastSequenceID)
	}
	if _, ok := last.Quantity(Bid, decimal.RequireFromString("10.0")); ok {
		t.Fatalf("resync must discard the previous local state")
	}
}

func TestBootstrapRejectsSnapshotBehindEmittedSequence(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 1})
	s.Apply(diff(101, 120, nil, nil))
	s.Apply(diff(200, 201, nil, nil))

	_, err := s.Bootstrap(Snapshot{LastUpdateID: 110})
	if !errors.Is(err, ErrSnapshotBehind) {
		t.Fatalf("expected ErrSnapshotBehind, got %v", err)
	}

	fresh := NewSynchronizer("BTCUSDT", GapPolicy{})
	fresh.SetFloor(120)
	if _, err := fresh.Bootstrap(Snapshot{LastUpdateID: 119}); !errors.Is(err, ErrSnapshotBehind) {
		t.Fatalf("floor must carry into a fresh synchronizer, got %v", err)
	}
	if _, err := fresh.Bootstrap(Snapshot{LastUpdateID: 120}); err != nil {
		t.Fatalf("equal snapshot should be accepted: %v", err)
	}
}

func TestEmittedSequenceIsMonotonic(t *testing.T) {
	s := bootstrapped(t, GapPolicy{MaxConsecutiveGaps: 2})
	input := []DiffEvent{
		diff(101, 103, nil, nil),
		diff(99, 102, nil, nil),
		diff(104, 104, nil, nil),
		diff(120, 130, nil, nil),
		diff(105, 110, nil, nil),
		diff(100, 108, nil, nil),
		diff(111, 111, nil, nil),
	}
	last := s.LastUpdateID()
	for _, d := range input {
		outcome, state := s.Apply(d)
		if state == nil {
			continue
		}
		if outcome != Applied {
			t.Fatalf("states are only emitted on apply, got %s", outcome)
		}
		if state.LastSequenceID < last {
			t.Fatalf("sequence went backwards: %d after %d", state.LastSequenceID, last)
		}
		last = state.LastSequenceID
	}
	if last != 111 {
		t.Fatalf("expected final frontier 111, got %d", last)
	}
}

func TestEmittedStatesAreIndependent(t *testing.T) {
	s := bootstrapped(t, GapPolicy{})
	_, first := s.Apply(diff(101, 101, []Level{lvl("9.0", "1")}, nil))
	_, second := s.Apply(diff(102, 102, []Level{lvl("9.0", "0")}, nil))
	if _, ok := first.Quantity(Bid, decimal.RequireFromString("9")); !ok {
		t.Fatalf("later diffs must not mutate an emitted state")
	}
	if _, ok := second.Quantity(Bid, decimal.RequireFromString("9")); ok {
		t.Fatalf("second state should not hold the removed level")
	}
}

func TestPendingBufferDropsOldest(t *testing.T) {
	s := NewSynchronizer("BTCUSDT", GapPolicy{MaxPending: 2})
	s.Apply(diff(1, 1, nil, nil))
	s.Apply(diff(2, 2, nil, nil))
	s.Apply(diff(3, 3, nil, nil))
	if s.Pending() != 2 || s.Stats().Dropped != 1 {
		t.Fatalf("expected 2 pending and 1 dropped, got %d/%d", s.Pending(), s.Stats().Dropped)
	}
	states, err := s.Bootstrap(Snapshot{LastUpdateID: 1})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := states[len(states)-1].LastSequenceID; got != 3 {
		t.Fatalf("expected replay to reach 3, got %d", got)
	}
}
