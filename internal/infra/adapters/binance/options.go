package binance

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/orderflow/lib/retry"
)

const venue = "binance"

// Market selects the Binance product line.
type Market string

const (
	// MarketFutures is USD-M perpetual futures.
	MarketFutures Market = "futures"
	// MarketSpot is the spot exchange.
	MarketSpot Market = "spot"
)

type metadata struct {
	restBase  string
	wsBase    string
	depthPath string
}

var markets = map[Market]metadata{
	MarketFutures: {
		restBase:  "https://fapi.binance.com",
		wsBase:    "wss://fstream.binance.com",
		depthPath: "/fapi/v1/depth",
	},
	MarketSpot: {
		restBase:  "https://api.binance.com",
		wsBase:    "wss://stream.binance.com:9443",
		depthPath: "/api/v3/depth",
	},
}

const (
	defaultSnapshotLimit = 200
	defaultHTTPTimeout   = 10 * time.Second
	defaultPingInterval  = 3 * time.Minute
	defaultPingTimeout   = 10 * time.Second
	defaultStreamBuffer  = 1024
	readLimit            = 1 << 20
)

// Config captures user-overridable Binance settings. Zero values take the market defaults.
type Config struct {
	Market        Market
	RESTBase      string
	WSBase        string
	SnapshotLimit int
	HTTPTimeout   time.Duration
	PingInterval  time.Duration
	StreamBuffer  int
	Retry         retry.Policy
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for REST snapshots.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withDefaults(in Config) Config {
	if in.Market == "" {
		in.Market = MarketFutures
	}
	meta, ok := markets[in.Market]
	if !ok {
		meta = markets[MarketFutures]
	}
	if strings.TrimSpace(in.RESTBase) == "" {
		in.RESTBase = meta.restBase
	}
	if strings.TrimSpace(in.WSBase) == "" {
		in.WSBase = meta.wsBase
	}
	if in.SnapshotLimit <= 0 {
		in.SnapshotLimit = defaultSnapshotLimit
	}
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.PingInterval <= 0 {
		in.PingInterval = defaultPingInterval
	}
	if in.StreamBuffer <= 0 {
		in.StreamBuffer = defaultStreamBuffer
	}
	if in.Retry.Attempts == 0 {
		classify := in.Retry.Classify
		in.Retry = retry.Default()
		in.Retry.Classify = classify
	}
	return in
}

func (c Config) depthPath() string {
	if meta, ok := markets[c.Market]; ok {
		return meta.depthPath
	}
	return markets[MarketFutures].depthPath
}

func (c Config) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(c.RESTBase), "/")
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// streamURL is {ws}/ws/{symbol}@depth@{interval}. An empty interval uses the venue default cadence.
func (c Config) streamURL(symbol, interval string) string {
	base := strings.TrimSuffix(strings.TrimSpace(c.WSBase), "/")
	stream := strings.ToLower(strings.TrimSpace(symbol)) + "@depth"
	if interval = strings.TrimSpace(interval); interval != "" {
		stream += "@" + interval
	}
	return base + "/ws/" + stream
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
