package orderbook

import (
	"errors"
	"fmt"
)

// ErrSnapshotBehind is returned by Bootstrap when a snapshot is older than a
// state already emitted for the symbol.
var ErrSnapshotBehind = errors.New("orderbook: snapshot behind emitted sequence")

// Outcome reports what Apply did with a diff.
type Outcome int

const (
	// Applied means the diff bridged the frontier and a new state was emitted.
	Applied Outcome = iota
	// Stale means the diff ended at or before the frontier and was dropped.
	Stale
	// Gap means the diff started past the frontier and was dropped.
	Gap
	// ResyncRequired means consecutive gaps hit the policy limit. The caller
	// must fetch a fresh snapshot and call Bootstrap; diffs are buffered until then.
	ResyncRequired
	// Buffered means no snapshot is active and the diff was queued for replay.
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case ResyncRequired:
		return "resync"
	case Buffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// DefaultMaxPending bounds the replay buffer.
const DefaultMaxPending = 4096

// GapPolicy controls how long the synchronizer waits on a gap before forcing a resync.
// MaxConsecutiveGaps <= 0 waits for a bridging diff indefinitely.
type GapPolicy struct {
	MaxConsecutiveGaps int
	MaxPending         int
}

// Stats counts diff outcomes since construction.
type Stats struct {
	Applied  uint64
	Stale    uint64
	Gaps     uint64
	Resyncs  uint64
	Buffered uint64
	Dropped  uint64
}

// Synchronizer reconciles a snapshot with a stream of diffs for one symbol.
// It is owned by a single goroutine and does no I/O.
type Synchronizer struct {
	symbol  string
	policy  GapPolicy
	state   *State
	ready   bool
	gaps    int
	pending []DiffEvent
	floor   uint64
	stats   Stats
}

// NewSynchronizer returns a synchronizer that buffers diffs until the first Bootstrap.
func NewSynchronizer(symbol string, policy GapPolicy) *Synchronizer {
	if policy.MaxPending <= 0 {
		policy.MaxPending = DefaultMaxPending
	}
	return &Synchronizer{symbol: symbol, policy: policy}
}

// SetFloor rejects future snapshots older than seq, keeping the emitted
// sequence non-decreasing across synchronizer instances.
func (s *Synchronizer) SetFloor(seq uint64) {
	if seq > s.floor {
		s.floor = seq
	}
}

// Ready reports whether a snapshot is active and diffs are applied directly.
func (s *Synchronizer) Ready() bool { return s.ready }

// LastUpdateID returns the current frontier, or 0 before bootstrap.
func (s *Synchronizer) LastUpdateID() uint64 {
	if s.state == nil {
		return 0
	}
	return s.state.LastSequenceID
}

// Pending returns the number of buffered diffs.
func (s *Synchronizer) Pending() int { return len(s.pending) }

// Stats returns outcome counters.
func (s *Synchronizer) Stats() Stats { return s.stats }

// Bootstrap replaces the book with snapshot and replays buffered diffs in
// arrival order through the same stale/bridge/gap test. It returns every
// state produced, starting with the snapshot itself.
func (s *Synchronizer) Bootstrap(snapshot Snapshot) ([]*State, error) {
	if snapshot.LastUpdateID < s.floor {
		return nil, fmt.Errorf("%w: snapshot %d < %d", ErrSnapshotBehind, snapshot.LastUpdateID, s.floor)
	}
	state := NewState(s.symbol)
	state.load(snapshot)
	s.state = state
	s.ready = true
	s.gaps = 0

	out := []*State{state.Clone()}
	s.floor = snapshot.LastUpdateID

	replay := s.pending
	s.pending = nil
	for i, diff := range replay {
		outcome, emitted := s.evaluate(diff)
		if emitted != nil {
			out = append(out, emitted)
		}
		if outcome == ResyncRequired {
			s.pending = append(s.pending, replay[i+1:]...)
			break
		}
	}
	return out, nil
}

// Apply runs one diff through the reconciliation test. The returned state is
// non-nil only for Applied.
func (s *Synchronizer) Apply(diff DiffEvent) (Outcome, *State) {
	if !s.ready {
		s.buffer(diff)
		return Buffered, nil
	}
	return s.evaluate(diff)
}

func (s *Synchronizer) evaluate(diff DiffEvent) (Outcome, *State) {
	last := s.state.LastSequenceID
	switch {
	case diff.FinalUpdateID <= last:
		s.stats.Stale++
		return Stale, nil
	case diff.FirstUpdateID <= last+1:
		s.state.apply(diff)
		s.gaps = 0
		s.stats.Applied++
		s.floor = s.state.LastSequenceID
		return Applied, s.state.Clone()
	default:
		s.stats.Gaps++
		s.gaps++
		if s.policy.MaxConsecutiveGaps > 0 && s.gaps >= s.policy.MaxConsecutiveGaps {
			s.ready = false
			s.gaps = 0
			s.stats.Resyncs++
			// Kept for replay: it may bridge the next snapshot.
			s.buffer(diff)
			return ResyncRequired, nil
		}
		return Gap, nil
	}
}

func (s *Synchronizer) buffer(diff DiffEvent) {
	if len(s.pending) >= s.policy.MaxPending {
		drop := len(s.pending) - s.policy.MaxPending + 1
		s.pending = append(s.pending[:0], s.pending[drop:]...)
		s.stats.Dropped += uint64(drop)
	}
	s.pending = append(s.pending, diff)
	s.stats.Buffered++
}
