// Package pipeline runs one symbol end to end: the stream supervisor produces
// consistent book states and the execution engine consumes them.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderflow/internal/app/execution"
	"github.com/coachpo/orderflow/internal/app/stream"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

// Handoff carries states from the supervisor task to the engine task.
type Handoff interface {
	stream.Sink
	execution.Source
}

// Marker receives the mid of every state the engine sees. The paper venue
// uses it as its fill price.
type Marker interface {
	SetMark(symbol string, price decimal.Decimal)
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithMarker feeds mids to m before each decision.
func WithMarker(m Marker) Option {
	return func(p *Pipeline) { p.marker = m }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline pairs a supervisor with an engine over a hand-off.
type Pipeline struct {
	Symbol     string
	Supervisor *stream.Supervisor
	Engine     *execution.Engine
	Handoff    Handoff

	marker Marker
	logger *log.Logger
}

// New assembles a pipeline. A nil handoff uses a latest-wins mailbox.
func New(symbol string, supervisor *stream.Supervisor, engine *execution.Engine, handoff Handoff, opts ...Option) (*Pipeline, error) {
	if supervisor == nil || engine == nil {
		return nil, errors.New("pipeline: supervisor and engine required")
	}
	if handoff == nil {
		handoff = stream.NewLatest()
	}
	p := &Pipeline{
		Symbol:     symbol,
		Supervisor: supervisor,
		Engine:     engine,
		Handoff:    handoff,
		logger:     log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run starts both tasks and blocks until they exit. Either task failing
// stops the other. It returns the first error that is not caused by
// cancellation, or ctx.Err().
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)
	finish := func(task string, err error) {
		if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			once.Do(func() { firstErr = err })
			p.logger.Printf("pipeline: %s %s stopped: %v", p.Symbol, task, err)
		}
		cancel()
	}

	var wg conc.WaitGroup
	wg.Go(func() { finish("supervisor", p.Supervisor.Run(runCtx, p.Handoff)) })
	wg.Go(func() { finish("engine", p.Engine.Run(runCtx, p.source())) })
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (p *Pipeline) source() execution.Source {
	if p.marker == nil {
		return p.Handoff
	}
	return markingSource{src: p.Handoff, marker: p.marker}
}

type markingSource struct {
	src    execution.Source
	marker Marker
}

func (m markingSource) Next(ctx context.Context) (*orderbook.State, error) {
	state, err := m.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	if quote, ok := execution.QuoteOf(state); ok {
		m.marker.SetMark(state.Symbol, quote.Mid)
	}
	return state, nil
}
