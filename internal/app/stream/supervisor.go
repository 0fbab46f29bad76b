// Package stream keeps a local order book consistent across reconnects and
// hands consistent states to the execution side.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

const (
	// DefaultCooldown is the pause between a failed session and the next connect.
	DefaultCooldown = time.Second
	// DefaultMaxBehindSnapshots bounds consecutive sessions whose snapshot is
	// older than the last emitted sequence.
	DefaultMaxBehindSnapshots = 5
)

var errStreamClosed = errors.New("stream: diff stream closed")

// ErrSequenceReset ends Run when the venue keeps serving snapshots below the
// last emitted sequence. The local book cannot follow without going backwards,
// so the operator has to restart the symbol.
var ErrSequenceReset = errors.New("stream: venue sequence reset")

// MarketData is the venue surface the supervisor drives.
type MarketData interface {
	FetchSnapshot(ctx context.Context, symbol string, depthLimit int) (orderbook.Snapshot, error)
	OpenDiffStream(ctx context.Context, symbol, interval string) (<-chan orderbook.DiffEvent, <-chan error, error)
}

// State is the supervisor lifecycle position.
type State int32

const (
	// Idle is the state before Run.
	Idle State = iota
	Connecting
	Streaming
	Reconnecting
	// Stopped follows caller cancellation.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes a Supervisor.
type Config struct {
	Symbol     string
	DepthLimit int
	Interval   string
	Gap        orderbook.GapPolicy
	Cooldown   time.Duration

	// MaxBehindSnapshots is how many sessions in a row may fail with a stale
	// snapshot before Run gives up with ErrSequenceReset.
	MaxBehindSnapshots int
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStateHook registers a callback for lifecycle transitions. It runs on the supervisor goroutine.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.onChange = fn }
}

// WithCooldown overrides the reconnect delay schedule.
func WithCooldown(b backoff.BackOff) Option {
	return func(s *Supervisor) {
		if b != nil {
			s.cooldown = b
		}
	}
}

// Supervisor owns the connection lifecycle for one symbol:
// Connecting -> Streaming -> Reconnecting -> Connecting, until the caller cancels.
type Supervisor struct {
	cfg      Config
	market   MarketData
	logger   *log.Logger
	cooldown backoff.BackOff
	onChange func(from, to State)
	metrics  *supervisorMetrics

	state       atomic.Int32
	lastEmitted uint64
	behind      int

	statsMu sync.Mutex
	stats   Stats
}

// Stats summarises supervisor activity.
type Stats struct {
	Sessions        uint64
	Resyncs         uint64
	Published       uint64
	BehindSnapshots uint64
	LastError       string
}

// New constructs a Supervisor for cfg.Symbol.
func New(market MarketData, cfg Config, opts ...Option) *Supervisor {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxBehindSnapshots <= 0 {
		cfg.MaxBehindSnapshots = DefaultMaxBehindSnapshots
	}
	s := &Supervisor{
		cfg:     cfg,
		market:  market,
		logger:  log.New(io.Discard, "", 0),
		metrics: newSupervisorMetrics(cfg.Symbol),
	}
	s.cooldown = backoff.NewConstantBackOff(cfg.Cooldown)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Stats returns a copy of the activity counters.
func (s *Supervisor) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Supervisor) setState(ctx context.Context, to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.metrics.recordTransition(ctx, to)
	if s.onChange != nil {
		s.onChange(from, to)
	}
}

// Run streams consistent book states into sink until ctx is cancelled, and
// then returns ctx.Err(). Transport failures and unavailable snapshots never
// end Run; each is logged and followed by the cooldown and a fresh session.
// The exception is a venue sequence reset: after MaxBehindSnapshots stale
// snapshots in a row Run returns an error wrapping ErrSequenceReset.
func (s *Supervisor) Run(ctx context.Context, sink Sink) error {
	if s.market == nil || sink == nil {
		return fmt.Errorf("stream: market data and sink required")
	}
	if s.cfg.Symbol == "" {
		return fmt.Errorf("stream: symbol required")
	}
	metricsCtx := context.WithoutCancel(ctx)
	defer s.setState(metricsCtx, Stopped)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(metricsCtx, Connecting)
		err := s.session(ctx, sink)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.recordSession(metricsCtx, "canceled")
			return ctxErr
		}
		s.metrics.recordSession(metricsCtx, "error")
		s.noteError(err)
		if errors.Is(err, orderbook.ErrSnapshotBehind) {
			if resetErr := s.noteBehind(metricsCtx, err); resetErr != nil {
				s.logger.Printf("stream: %s %v", s.cfg.Symbol, resetErr)
				return resetErr
			}
		}

		s.setState(metricsCtx, Reconnecting)
		wait := s.cooldown.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.Cooldown
		}
		s.logger.Printf("stream: %s session ended: %v; reconnecting in %s", s.cfg.Symbol, err, wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

type snapshotResult struct {
	snapshot orderbook.Snapshot
	err      error
}

// session runs one connection. The diff stream is opened before the snapshot
// is requested so no update between the two is lost; diffs arriving while a
// snapshot is in flight are buffered by the synchronizer and replayed.
func (s *Supervisor) session(ctx context.Context, sink Sink) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	metricsCtx := context.WithoutCancel(ctx)

	book := orderbook.NewSynchronizer(s.cfg.Symbol, s.cfg.Gap)
	book.SetFloor(s.lastEmitted)

	s.statsMu.Lock()
	s.stats.Sessions++
	s.statsMu.Unlock()

	started := time.Now()
	events, errc, err := s.market.OpenDiffStream(sessCtx, s.cfg.Symbol, s.cfg.Interval)
	if err != nil {
		return fmt.Errorf("open diff stream: %w", err)
	}
	snapshots := s.fetchSnapshot(sessCtx)
	bootstrapped := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-snapshots:
			snapshots = nil
			if res.err != nil {
				return fmt.Errorf("fetch snapshot: %w", res.err)
			}
			states, err := book.Bootstrap(res.snapshot)
			if err != nil {
				return err
			}
			if !bootstrapped {
				bootstrapped = true
				s.behind = 0
				s.metrics.recordBootstrap(metricsCtx, time.Since(started))
				s.setState(metricsCtx, Streaming)
				s.cooldown.Reset()
				s.logger.Printf("stream: %s bootstrapped at %d, %d states from replay", s.cfg.Symbol, res.snapshot.LastUpdateID, len(states)-1)
			}
			if err := s.emit(ctx, sink, states...); err != nil {
				return err
			}
			if !book.Ready() {
				snapshots = s.resync(sessCtx)
			}

		case diff, ok := <-events:
			if !ok {
				events = nil
				if errc == nil {
					return errStreamClosed
				}
				continue
			}
			outcome, state := book.Apply(diff)
			s.metrics.recordOutcome(metricsCtx, outcome)
			switch outcome {
			case orderbook.Applied:
				if err := s.emit(ctx, sink, state); err != nil {
					return err
				}
			case orderbook.ResyncRequired:
				snapshots = s.resync(sessCtx)
			}

		case err, ok := <-errc:
			if !ok {
				errc = nil
				if events == nil {
					return errStreamClosed
				}
				continue
			}
			return err
		}
	}
}

func (s *Supervisor) resync(ctx context.Context) <-chan snapshotResult {
	s.statsMu.Lock()
	s.stats.Resyncs++
	s.statsMu.Unlock()
	s.logger.Printf("stream: %s consecutive gaps exceeded, refetching snapshot", s.cfg.Symbol)
	return s.fetchSnapshot(ctx)
}

func (s *Supervisor) fetchSnapshot(ctx context.Context) <-chan snapshotResult {
	out := make(chan snapshotResult, 1)
	go func() {
		snapshot, err := s.market.FetchSnapshot(ctx, s.cfg.Symbol, s.cfg.DepthLimit)
		out <- snapshotResult{snapshot: snapshot, err: err}
	}()
	return out
}

func (s *Supervisor) emit(ctx context.Context, sink Sink, states ...*orderbook.State) error {
	for _, state := range states {
		if err := sink.Publish(ctx, state); err != nil {
			return err
		}
		s.lastEmitted = state.LastSequenceID
	}
	s.metrics.recordPublished(context.WithoutCancel(ctx), len(states))
	s.statsMu.Lock()
	s.stats.Published += uint64(len(states))
	s.statsMu.Unlock()
	return nil
}

// noteBehind counts a stale snapshot and returns the terminal error once the
// count reaches the configured bound.
func (s *Supervisor) noteBehind(ctx context.Context, err error) error {
	s.behind++
	s.metrics.recordBehind(ctx)
	s.statsMu.Lock()
	s.stats.BehindSnapshots++
	s.statsMu.Unlock()
	if s.behind < s.cfg.MaxBehindSnapshots {
		return nil
	}
	return fmt.Errorf("%w: %d consecutive snapshots below emitted sequence %d: %v",
		ErrSequenceReset, s.behind, s.lastEmitted, err)
}

func (s *Supervisor) noteError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
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
