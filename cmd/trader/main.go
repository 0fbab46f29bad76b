// Command trader keeps Binance order books in sync and trades them on Lighter.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderflow/internal/app/pipeline"
	"github.com/coachpo/orderflow/internal/domain/journal"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	traderLoggerPrefix       = "trader "
	shutdownTimeout          = 30 * time.Second
	pipelineShutdownTimeout  = 15 * time.Second
	journalShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	profilerShutdownTimeout  = 5 * time.Second
	journalOpenTimeout       = 30 * time.Second
)

type flags struct {
	configPath string
	envFile    string
	paper      bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newTraderLogger()

	if err := config.LoadEnvFile(opts.envFile); err != nil {
		logger.Fatalf("load env: %v", err)
	}
	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if opts.paper {
		appCfg.Lighter.Paper = true
	}
	if err := appCfg.Lighter.CheckCredentials(); err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, symbols=%s, paper=%t, handoff=%s, journal=%s",
		appCfg.Environment, strings.Join(appCfg.Symbols, ","), appCfg.Lighter.Paper, appCfg.Sync.Handoff, appCfg.Journal.Driver)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	profiler, err := startProfiler(logger, appCfg.Environment, appCfg.Profiling)
	if err != nil {
		logger.Fatalf("start profiler: %v", err)
	}

	openCtx, openCancel := context.WithTimeout(ctx, journalOpenTimeout)
	tradeJournal, err := openJournal(openCtx, logger, appCfg.Journal)
	openCancel()
	if err != nil {
		logger.Fatalf("open journal: %v", err)
	}

	pipelines, closers, err := buildPipelines(appCfg, tradeJournal, logger)
	if err != nil {
		logger.Fatalf("build pipelines: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	var lifecycle conc.WaitGroup
	startPipelines(runCtx, &lifecycle, logger, pipelines, cancel)

	logger.Printf("trader started with %d pipeline(s); awaiting shutdown signal", len(pipelines))
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		pipelineCancel: runCancel,
		lifecycle:      &lifecycle,
		closers:        closers,
		journal:        tradeJournal,
		telemetry:      telemetryProvider,
		profiler:       profiler,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var opts flags
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.envFile, "env", ".env", "Optional dotenv file with venue credentials")
	flag.BoolVar(&opts.paper, "paper", false, "Route orders to the in-process paper venue")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newTraderLogger() *log.Logger {
	return log.New(os.Stdout, traderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// profilerLogger routes pyroscope's logging through the trader logger.
type profilerLogger struct{ logger *log.Logger }

func (l profilerLogger) Infof(format string, args ...any) {
	l.logger.Printf("profiler: "+format, args...)
}

func (l profilerLogger) Debugf(string, ...any) {}

func (l profilerLogger) Errorf(format string, args ...any) {
	l.logger.Printf("profiler error: "+format, args...)
}

func startProfiler(logger *log.Logger, env config.Environment, cfg config.ProfilingConfig) (*pyroscope.Profiler, error) {
	if cfg.ServerAddress == "" {
		return nil, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            map[string]string{"env": string(env)},
		Logger:          profilerLogger{logger: logger},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pyroscope start: %w", err)
	}
	logger.Printf("profiling enabled: server=%s, application=%s", cfg.ServerAddress, cfg.ApplicationName)
	return profiler, nil
}

// startPipelines runs every pipeline on lifecycle. A pipeline failing on its
// own stops the whole trader through stop.
func startPipelines(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, pipelines []*pipeline.Pipeline, stop context.CancelFunc) {
	for _, p := range pipelines {
		lifecycle.Go(func() {
			err := p.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Printf("pipeline %s failed: %v", p.Symbol, err)
				stop()
				return
			}
			logger.Printf("pipeline %s stopped", p.Symbol)
		})
	}
}

type gracefulShutdownConfig struct {
	pipelineCancel context.CancelFunc
	lifecycle      *conc.WaitGroup
	closers        []func() error
	journal        journal.Journal
	telemetry      *telemetry.Provider
	profiler       *pyroscope.Profiler
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling pipelines")
	if cfg.pipelineCancel != nil {
		cfg.pipelineCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for pipelines", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for pipelines: %w", stepCtx.Err())
			}
		})
	}

	for _, closeFn := range cfg.closers {
		if err := closeFn(); err != nil {
			logger.Printf("shutdown: release signal model: %v", err)
		}
	}

	if cfg.journal != nil {
		shutdownStep("closing journal", journalShutdownTimeout, func(context.Context) error {
			return cfg.journal.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	if cfg.profiler != nil {
		shutdownStep("stopping profiler", profilerShutdownTimeout, func(context.Context) error {
			return cfg.profiler.Stop()
		})
	}
}
