package lighter

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const venue = "lighter"

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL      = "https://mainnet.zklighter.elliot.ai"
	defaultOrderRate    = 5.0
	defaultHTTPTimeout  = 10 * time.Second
	maxResponseBodySize = 1 << 20
)

// Config captures the account credentials and client limits.
type Config struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	AccountIndex int64
	// OrderRate bounds outbound requests per second.
	OrderRate   float64
	HTTPTimeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
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

// WithClock overrides the timestamp source for requests without one.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func withDefaults(in Config) Config {
	in.BaseURL = strings.TrimSuffix(strings.TrimSpace(in.BaseURL), "/")
	if in.BaseURL == "" {
		in.BaseURL = DefaultBaseURL
	}
	if in.OrderRate <= 0 {
		in.OrderRate = defaultOrderRate
	}
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	return in
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
