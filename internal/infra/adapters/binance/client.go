// Package binance implements the market data side of the venue: REST depth
// snapshots and the websocket depth diff stream.
package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
	"github.com/coachpo/orderflow/lib/retry"
)

// Client fetches depth snapshots and opens diff streams for Binance symbols.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *log.Logger
	metrics *clientMetrics
}

// NewClient constructs a Client. Zero config fields take the market defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = withDefaults(cfg)
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		logger:  discardLogger(),
		metrics: newClientMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// FetchSnapshot returns the current book for symbol. Each attempt is bounded
// by the HTTP timeout and retried under the configured policy; exhaustion is
// reported as CodeSnapshotUnavailable wrapping the final attempt's error.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string, depthLimit int) (orderbook.Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if depthLimit <= 0 {
		depthLimit = c.cfg.SnapshotLimit
	}

	policy := c.cfg.Retry
	notify := policy.Notify
	policy.Notify = func(err error, attempt int, next time.Duration) {
		c.logger.Printf("binance: snapshot %s attempt %d failed, retrying in %s: %v", symbol, attempt, next, err)
		if notify != nil {
			notify(err, attempt, next)
		}
	}

	start := time.Now()
	snapshot, err := retry.Do(ctx, policy, func(ctx context.Context) (orderbook.Snapshot, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
		defer cancel()
		return c.fetchDepthSnapshot(reqCtx, symbol, depthLimit)
	})
	c.metrics.recordSnapshot(context.WithoutCancel(ctx), symbol, time.Since(start), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return orderbook.Snapshot{}, ctxErr
		}
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeSnapshotUnavailable,
			errs.WithMessage("depth snapshot unavailable"),
			errs.WithField("symbol", symbol),
			errs.WithCause(err))
	}
	return snapshot, nil
}

func (c *Client) fetchDepthSnapshot(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	endpoint := c.cfg.restEndpoint(c.cfg.depthPath()) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeInvalid, errs.WithMessage("build depth request"), errs.WithCause(err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeNetwork, errs.WithMessage("depth request"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return orderbook.Snapshot{}, statusError(resp.StatusCode, body)
	}

	var payload depthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeExchange, errs.WithMessage("decode depth snapshot"), errs.WithCause(err))
	}
	if payload.LastUpdateID < 0 {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeExchange, errs.WithMessage("negative lastUpdateId"))
	}
	bids, err := toLevels(payload.Bids)
	if err != nil {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeExchange, errs.WithMessage("decode snapshot bids"), errs.WithCause(err))
	}
	asks, err := toLevels(payload.Asks)
	if err != nil {
		return orderbook.Snapshot{}, errs.New(venue, errs.CodeExchange, errs.WithMessage("decode snapshot asks"), errs.WithCause(err))
	}
	return orderbook.Snapshot{
		Symbol:       symbol,
		LastUpdateID: uint64(payload.LastUpdateID),
		Bids:         bids,
		Asks:         asks,
	}, nil
}

// statusError maps a non-200 response. Client errors other than rate limits
// are fatal to the retry loop; 429/418 and 5xx are retried.
func statusError(status int, body []byte) error {
	code := errs.CodeExchange
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		code = errs.CodeRateLimited
	case status >= 500:
		code = errs.CodeUnavailable
	case status >= 400:
		code = errs.CodeInvalid
	}
	opts := []errs.Option{errs.WithHTTP(status), errs.WithMessage(fmt.Sprintf("depth snapshot status %d", status))}
	var apiErr binanceError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(apiErr.Code)), errs.WithRawMessage(apiErr.Msg))
		if apiErr.Code == -1121 {
			opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		opts = append(opts, errs.WithRawMessage(trimmed))
	}
	if code == errs.CodeRateLimited {
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
	}
	return errs.New(venue, code, opts...)
}

// IsSnapshotUnavailable reports whether err came from an exhausted snapshot fetch.
func IsSnapshotUnavailable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && errs.Is(err, errs.CodeSnapshotUnavailable)
}
