package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coachpo/orderflow/internal/app/execution"
	"github.com/coachpo/orderflow/internal/app/pipeline"
	"github.com/coachpo/orderflow/internal/app/signal"
	"github.com/coachpo/orderflow/internal/app/stream"
	"github.com/coachpo/orderflow/internal/domain/journal"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
	"github.com/coachpo/orderflow/internal/domain/trading"
	"github.com/coachpo/orderflow/internal/infra/adapters/binance"
	"github.com/coachpo/orderflow/internal/infra/adapters/lighter"
	"github.com/coachpo/orderflow/internal/infra/adapters/paper"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/persistence/migrations"
	"github.com/coachpo/orderflow/internal/infra/persistence/postgres"
	"github.com/coachpo/orderflow/internal/infra/persistence/sqlite"
	"github.com/coachpo/orderflow/internal/risk"
	"github.com/coachpo/orderflow/lib/retry"
)

const journalPoolName = "journal"

func openJournal(ctx context.Context, logger *log.Logger, cfg config.JournalConfig) (journal.Journal, error) {
	switch cfg.Driver {
	case config.JournalPostgres:
		if cfg.RunMigrations {
			if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, logger); err != nil {
				return nil, fmt.Errorf("apply journal migrations: %w", err)
			}
		}
		store, err := postgres.OpenJournal(ctx, postgres.PoolConfig{
			DSN:               cfg.DSN,
			MaxConns:          cfg.MaxConns,
			MinConns:          cfg.MinConns,
			MaxConnLifetime:   cfg.MaxConnLifetime,
			MaxConnIdleTime:   cfg.MaxConnIdleTime,
			HealthCheckPeriod: cfg.HealthCheckPeriod,
		}, journalPoolName)
		if err != nil {
			return nil, err
		}
		logger.Printf("journal: postgres pool ready (maxConns=%d)", cfg.MaxConns)
		return store, nil
	case config.JournalSQLite:
		store, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Printf("journal: sqlite database %s", cfg.DSN)
		return store, nil
	default:
		logger.Print("journal: disabled")
		return journal.Discard{}, nil
	}
}

// buildScorer returns the probability model and its release function.
func buildScorer(cfg config.SignalConfig) (signal.Scorer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case config.SignalConstant:
		return signal.Constant(cfg.Probability), noop, nil
	case config.SignalLogistic:
		weights := append([]float64(nil), cfg.Weights...)
		return signal.Logistic{Weights: weights, Bias: cfg.Bias}, noop, nil
	case config.SignalScript:
		script, err := signal.LoadScript(cfg.Script, cfg.Function, signal.WithTimeout(cfg.Timeout))
		if err != nil {
			return nil, nil, err
		}
		return script, script.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown signal kind %q", cfg.Kind)
	}
}

// streamInterval renders the diff cadence in Binance's stream suffix form.
// One second is the venue default and needs no suffix.
func streamInterval(d time.Duration) string {
	if d <= 0 || d == time.Second {
		return ""
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// newMarketData builds the Binance client. Failed snapshot attempts are
// logged by the client.
func newMarketData(cfg config.AppConfig, logger *log.Logger) *binance.Client {
	return binance.NewClient(binance.Config{
		Market:        binance.Market(cfg.Binance.Market),
		RESTBase:      cfg.Binance.RESTBase,
		WSBase:        cfg.Binance.WSBase,
		SnapshotLimit: cfg.Binance.SnapshotLimit,
		HTTPTimeout:   cfg.Binance.HTTPTimeout,
		Retry: retry.Policy{
			Attempts: cfg.Sync.Retry.Attempts,
			Delay:    cfg.Sync.Retry.Delay,
			Backoff:  cfg.Sync.Retry.Backoff,
		},
	}, binance.WithLogger(logger))
}

// newTradingClient returns the order venue. The paper venue is also returned
// as a marker so pipelines can feed it mids.
func newTradingClient(cfg config.AppConfig, logger *log.Logger) (trading.Client, pipeline.Marker) {
	if cfg.Lighter.Paper {
		client := paper.NewClient(paper.WithLogger(logger))
		return client, client
	}
	return lighter.NewClient(lighter.Config{
		BaseURL:      cfg.Lighter.BaseURL,
		APIKey:       cfg.Lighter.APIKey,
		APISecret:    cfg.Lighter.APISecret,
		AccountIndex: cfg.Lighter.AccountIndex,
		OrderRate:    cfg.Lighter.OrderRate,
		HTTPTimeout:  cfg.Lighter.HTTPTimeout,
	}, lighter.WithLogger(logger)), nil
}

func newHandoff(cfg config.SyncConfig) pipeline.Handoff {
	if cfg.Handoff == config.HandoffBlock {
		return stream.NewQueue(cfg.QueueSize, cfg.QueueMaxWait)
	}
	return stream.NewLatest()
}

// buildPipelines assembles one pipeline per configured symbol. The returned
// functions release per-symbol resources after the pipelines stop.
func buildPipelines(cfg config.AppConfig, tradeJournal journal.Journal, logger *log.Logger) ([]*pipeline.Pipeline, []func() error, error) {
	limits, err := risk.New(cfg.Live.Risk)
	if err != nil {
		return nil, nil, err
	}
	market := newMarketData(cfg, logger)
	client, marker := newTradingClient(cfg, logger)

	var (
		pipelines []*pipeline.Pipeline
		closers   []func() error
	)
	release := func() {
		for _, closeFn := range closers {
			_ = closeFn()
		}
	}
	for _, symbol := range cfg.Symbols {
		symbolLogger := log.New(os.Stdout, fmt.Sprintf("trader[%s] ", symbol), log.LstdFlags|log.Lmicroseconds)

		scorer, closeScorer, err := buildScorer(cfg.Live.Signal)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%s: signal: %w", symbol, err)
		}
		closers = append(closers, closeScorer)

		supervisor := stream.New(market, stream.Config{
			Symbol:     symbol,
			DepthLimit: cfg.Binance.DepthLimit,
			Interval:   streamInterval(cfg.Binance.StreamInterval),
			Gap: orderbook.GapPolicy{
				MaxConsecutiveGaps: cfg.Sync.MaxConsecutiveGaps,
				MaxPending:         cfg.Sync.MaxPending,
			},
			Cooldown:           cfg.Sync.ReconnectCooldown,
			MaxBehindSnapshots: cfg.Sync.MaxStaleSnapshots,
		}, stream.WithLogger(symbolLogger))

		engine, err := execution.New(execution.Config{
			Symbol:          symbol,
			Limits:          limits,
			Scorer:          scorer,
			Client:          client,
			Journal:         tradeJournal,
			Pacing:          cfg.Live.Pacing,
			FlattenPacing:   cfg.Live.FlattenPacing,
			ImbalanceDepths: cfg.Live.ImbalanceDepths,
			OrderTimeout:    cfg.Lighter.OrderTimeout,
			Logger:          symbolLogger,
		})
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%s: %w", symbol, err)
		}

		opts := []pipeline.Option{pipeline.WithLogger(symbolLogger)}
		if marker != nil {
			opts = append(opts, pipeline.WithMarker(marker))
		}
		p, err := pipeline.New(symbol, supervisor, engine, newHandoff(cfg.Sync), opts...)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%s: %w", symbol, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, closers, nil
}
