// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/orderflow/internal/risk"
)

// Environment variables that override YAML values.
const (
	EnvLighterAPIKey    = "LIGHTER_API_KEY"
	EnvLighterAPISecret = "LIGHTER_API_SECRET"
	EnvJournalDSN       = "ORDERFLOW_JOURNAL_DSN"
)

// BinanceConfig locates the market data venue.
type BinanceConfig struct {
	Market         string        `yaml:"market"`
	RESTBase       string        `yaml:"restBase"`
	WSBase         string        `yaml:"wsBase"`
	DepthLimit     int           `yaml:"depthLimit"`
	SnapshotLimit  int           `yaml:"snapshotLimit"`
	StreamInterval time.Duration `yaml:"streamInterval"`
	HTTPTimeout    time.Duration `yaml:"httpTimeout"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Backoff  float64       `yaml:"backoff"`
}

// SyncConfig tunes book synchronisation and the hand-off to the engine.
type SyncConfig struct {
	MaxConsecutiveGaps int           `yaml:"maxConsecutiveGaps"`
	MaxPending         int           `yaml:"maxPending"`
	ReconnectCooldown  time.Duration `yaml:"reconnectCooldown"`
	MaxStaleSnapshots  int           `yaml:"maxStaleSnapshots"`
	Handoff            HandoffMode   `yaml:"handoff"`
	QueueSize          int           `yaml:"queueSize"`
	QueueMaxWait       time.Duration `yaml:"queueMaxWait"`
	Retry              RetryConfig   `yaml:"retry"`
}

// LighterConfig configures order execution.
type LighterConfig struct {
	BaseURL      string        `yaml:"baseUrl"`
	APIKey       string        `yaml:"apiKey"`
	APISecret    string        `yaml:"apiSecret"`
	AccountIndex int64         `yaml:"accountIndex"`
	OrderRate    float64       `yaml:"orderRate"`
	OrderTimeout time.Duration `yaml:"orderTimeout"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	Paper        bool          `yaml:"paper"`
}

// SignalConfig selects and parameterises the probability model.
type SignalConfig struct {
	Kind        SignalKind    `yaml:"kind"`
	Probability float64       `yaml:"probability"`
	Weights     []float64     `yaml:"weights"`
	Bias        float64       `yaml:"bias"`
	Script      string        `yaml:"script"`
	Function    string        `yaml:"function"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LiveConfig drives the execution engine.
type LiveConfig struct {
	Risk            risk.Config   `yaml:"risk"`
	Pacing          time.Duration `yaml:"pacing"`
	FlattenPacing   time.Duration `yaml:"flattenPacing"`
	Signal          SignalConfig  `yaml:"signal"`
	ImbalanceDepths []int         `yaml:"imbalanceDepths"`
}

// JournalConfig selects where decisions are recorded.
type JournalConfig struct {
	Driver            JournalDriver `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress   string `yaml:"serverAddress"`
	ApplicationName string `yaml:"applicationName"`
}

// AppConfig is the trader configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Symbols     []string        `yaml:"symbols"`
	Binance     BinanceConfig   `yaml:"binance"`
	Sync        SyncConfig      `yaml:"sync"`
	Lighter     LighterConfig   `yaml:"lighter"`
	Live        LiveConfig      `yaml:"live"`
	Journal     JournalConfig   `yaml:"journal"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Profiling   ProfilingConfig `yaml:"profiling"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Symbols:     []string{"BTCUSDT"},
		Binance: BinanceConfig{
			Market:         "futures",
			RESTBase:       "https://fapi.binance.com",
			WSBase:         "wss://fstream.binance.com",
			DepthLimit:     50,
			SnapshotLimit:  200,
			StreamInterval: 100 * time.Millisecond,
			HTTPTimeout:    10 * time.Second,
		},
		Sync: SyncConfig{
			MaxConsecutiveGaps: 5,
			MaxPending:         4096,
			ReconnectCooldown:  time.Second,
			MaxStaleSnapshots:  5,
			Handoff:            HandoffLatest,
			QueueSize:          64,
			QueueMaxWait:       time.Second,
			Retry:              RetryConfig{Attempts: 3, Delay: time.Second, Backoff: 2.0},
		},
		Lighter: LighterConfig{
			BaseURL:      "https://mainnet.zklighter.elliot.ai",
			OrderRate:    5,
			OrderTimeout: 10 * time.Second,
			HTTPTimeout:  10 * time.Second,
		},
		Live: LiveConfig{
			Risk:            risk.DefaultConfig(),
			Pacing:          50 * time.Millisecond,
			FlattenPacing:   100 * time.Millisecond,
			Signal:          SignalConfig{Kind: SignalConstant, Probability: 0.5, Function: "score", Timeout: 50 * time.Millisecond},
			ImbalanceDepths: []int{5, 10},
		},
		Journal: JournalConfig{
			Driver:            JournalNone,
			MaxConns:          4,
			MinConns:          1,
			MaxConnLifetime:   30 * time.Minute,
			MaxConnIdleTime:   5 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "orderflow",
			EnableMetrics: true,
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadEnvFile(path string) error {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = ".env"
	}
	if err := godotenv.Load(candidate); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads and validates an AppConfig from the provided YAML file. Fields
// absent from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but returns the defaults, with environment
// overrides applied, when configPath does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg = Default()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func parse(data []byte) (AppConfig, error) {
	cfg := Default()
	// Sequences replace rather than merge, so an explicit list wins.
	cfg.Symbols = nil
	cfg.Live.ImbalanceDepths = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	defaults := Default()

	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	seen := make(map[string]struct{}, len(c.Symbols))
	symbols := make([]string, 0, len(c.Symbols))
	for _, raw := range c.Symbols {
		symbol := normalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("duplicate symbol %q", symbol)
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	if len(symbols) == 0 {
		symbols = defaults.Symbols
	}
	c.Symbols = symbols

	c.Binance.Market = strings.ToLower(strings.TrimSpace(c.Binance.Market))
	c.Binance.RESTBase = strings.TrimRight(strings.TrimSpace(c.Binance.RESTBase), "/")
	c.Binance.WSBase = strings.TrimRight(strings.TrimSpace(c.Binance.WSBase), "/")

	c.Sync.Handoff = HandoffMode(strings.ToLower(strings.TrimSpace(string(c.Sync.Handoff))))
	if c.Sync.Handoff == "" {
		c.Sync.Handoff = HandoffLatest
	}

	c.Lighter.BaseURL = strings.TrimRight(strings.TrimSpace(c.Lighter.BaseURL), "/")

	c.Live.Signal.Kind = SignalKind(strings.ToLower(strings.TrimSpace(string(c.Live.Signal.Kind))))
	if c.Live.Signal.Kind == "" {
		c.Live.Signal.Kind = SignalConstant
	}
	c.Live.Signal.Function = strings.TrimSpace(c.Live.Signal.Function)
	if c.Live.Signal.Function == "" {
		c.Live.Signal.Function = defaults.Live.Signal.Function
	}
	if script := strings.TrimSpace(c.Live.Signal.Script); script != "" {
		c.Live.Signal.Script = filepath.Clean(script)
	}
	if len(c.Live.ImbalanceDepths) == 0 {
		c.Live.ImbalanceDepths = defaults.Live.ImbalanceDepths
	}
	if c.Live.FlattenPacing < c.Live.Pacing {
		c.Live.FlattenPacing = c.Live.Pacing
	}

	c.Journal.Driver = JournalDriver(strings.ToLower(strings.TrimSpace(string(c.Journal.Driver))))
	if c.Journal.Driver == "" {
		c.Journal.Driver = JournalNone
	}
	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
	if c.Journal.MinConns > c.Journal.MaxConns && c.Journal.MaxConns > 0 {
		c.Journal.MinConns = c.Journal.MaxConns
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Profiling.ServerAddress = strings.TrimSpace(c.Profiling.ServerAddress)
	c.Profiling.ApplicationName = strings.TrimSpace(c.Profiling.ApplicationName)
	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = c.Telemetry.ServiceName
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLighterAPIKey)); v != "" {
		c.Lighter.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLighterAPISecret)); v != "" {
		c.Lighter.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJournalDSN)); v != "" {
		c.Journal.DSN = v
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol required")
	}

	switch c.Binance.Market {
	case "futures", "spot":
	default:
		return fmt.Errorf("binance market must be futures or spot")
	}
	if c.Binance.DepthLimit <= 0 {
		return fmt.Errorf("binance depthLimit must be >0")
	}
	if c.Binance.SnapshotLimit <= 0 {
		return fmt.Errorf("binance snapshotLimit must be >0")
	}
	if c.Binance.StreamInterval < 0 || c.Binance.HTTPTimeout < 0 {
		return fmt.Errorf("binance durations must be >=0")
	}

	if c.Sync.MaxPending < 0 {
		return fmt.Errorf("sync maxPending must be >=0")
	}
	if c.Sync.ReconnectCooldown < 0 {
		return fmt.Errorf("sync reconnectCooldown must be >=0")
	}
	if c.Sync.MaxStaleSnapshots <= 0 {
		return fmt.Errorf("sync maxStaleSnapshots must be >0")
	}
	switch c.Sync.Handoff {
	case HandoffLatest:
	case HandoffBlock:
		if c.Sync.QueueSize <= 0 {
			return fmt.Errorf("sync queueSize must be >0 for block handoff")
		}
	default:
		return fmt.Errorf("sync handoff must be latest or block")
	}
	if c.Sync.Retry.Attempts < 1 {
		return fmt.Errorf("sync retry attempts must be >=1")
	}
	if c.Sync.Retry.Delay < 0 {
		return fmt.Errorf("sync retry delay must be >=0")
	}
	if c.Sync.Retry.Backoff < 1 {
		return fmt.Errorf("sync retry backoff must be >=1")
	}

	if !c.Lighter.Paper && c.Lighter.BaseURL == "" {
		return fmt.Errorf("lighter baseUrl required")
	}
	if c.Lighter.OrderRate <= 0 {
		return fmt.Errorf("lighter orderRate must be >0")
	}
	if c.Lighter.OrderTimeout <= 0 {
		return fmt.Errorf("lighter orderTimeout must be >0")
	}

	if err := c.Live.Risk.Validate(); err != nil {
		return fmt.Errorf("live: %w", err)
	}
	if c.Live.Pacing < 0 || c.Live.FlattenPacing < 0 {
		return fmt.Errorf("live pacing must be >=0")
	}
	for _, depth := range c.Live.ImbalanceDepths {
		if depth <= 0 {
			return fmt.Errorf("live imbalanceDepths must be >0")
		}
	}
	if err := c.Live.Signal.validate(); err != nil {
		return fmt.Errorf("live signal: %w", err)
	}

	if err := c.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// CheckCredentials reports missing API credentials for live trading. Paper
// mode needs none.
func (c LighterConfig) CheckCredentials() error {
	if c.Paper {
		return nil
	}
	if c.APIKey == "" {
		return fmt.Errorf("lighter apiKey required (set %s or enable paper mode)", EnvLighterAPIKey)
	}
	if c.APISecret == "" {
		return fmt.Errorf("lighter apiSecret required (set %s or enable paper mode)", EnvLighterAPISecret)
	}
	return nil
}

func (c SignalConfig) validate() error {
	switch c.Kind {
	case SignalConstant:
		if c.Probability < 0 || c.Probability > 1 {
			return fmt.Errorf("probability must be within [0,1]")
		}
	case SignalLogistic:
		if len(c.Weights) == 0 {
			return fmt.Errorf("weights required for logistic signal")
		}
	case SignalScript:
		if c.Script == "" {
			return fmt.Errorf("script path required")
		}
		if c.Timeout < 0 {
			return fmt.Errorf("timeout must be >=0")
		}
	default:
		return fmt.Errorf("kind must be one of constant, logistic, script")
	}
	return nil
}

func (c JournalConfig) validate() error {
	switch c.Driver {
	case JournalNone:
		return nil
	case JournalSQLite:
		if c.DSN == "" {
			return fmt.Errorf("dsn required")
		}
		return nil
	case JournalPostgres:
	default:
		return fmt.Errorf("driver must be one of none, postgres, sqlite")
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
