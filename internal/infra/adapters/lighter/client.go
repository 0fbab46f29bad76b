// Package lighter implements the trading venue over its signed HTTP JSON API.
package lighter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/trading"
)

// Client submits orders and reads account state. Every method reports
// failures in the result's Err field.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *log.Logger
	limiter *rate.Limiter
	clock   func() time.Time
	metrics *clientMetrics
}

var _ trading.Client = (*Client)(nil)

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = withDefaults(cfg)
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  discardLogger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.OrderRate), 1),
		clock:   time.Now,
		metrics: newClientMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// PlaceOrder submits req to POST /api/v1/order.
func (c *Client) PlaceOrder(ctx context.Context, req trading.OrderRequest) trading.OrderResult {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := validateOrder(symbol, req); err != nil {
		return trading.OrderResult{Err: err}
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = c.clock()
	}
	payload := orderPayload{
		Symbol:        symbol,
		Side:          string(req.Side),
		Size:          req.Size,
		Type:          string(req.Type),
		Price:         req.Price,
		Timestamp:     ts.UTC().UnixMilli(),
		ClientOrderID: req.ClientOrderID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeInvalid, errs.WithMessage("encode order"), errs.WithCause(err))}
	}

	raw, err := c.do(ctx, "place_order", symbol, http.MethodPost, "/api/v1/order", nil, body, string(body), errs.CodeOrderSubmission)
	if err != nil {
		c.logger.Printf("lighter: place order %s %s %s failed: %v", symbol, req.Side, req.Size, err)
		return trading.OrderResult{Raw: raw, Err: err}
	}
	id, status := orderAck(raw)
	return trading.OrderResult{OrderID: id, Status: status, Raw: raw}
}

// ClosePosition sends a market order against a signed position size.
func (c *Client) ClosePosition(ctx context.Context, symbol string, size decimal.Decimal) trading.OrderResult {
	return c.PlaceOrder(ctx, trading.OrderRequest{
		Symbol: symbol,
		Side:   trading.CloseSide(size),
		Size:   size.Abs(),
		Type:   trading.OrderTypeMarket,
	})
}

// CancelOrder calls DELETE /api/v1/order/{id}. The signature covers the id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) trading.OrderResult {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return trading.OrderResult{Err: errs.New(venue, errs.CodeInvalid, errs.WithMessage("order id required"))}
	}
	path := "/api/v1/order/" + url.PathEscape(orderID)
	raw, err := c.do(ctx, "cancel_order", "", http.MethodDelete, path, nil, nil, orderID, errs.CodeOrderSubmission)
	if err != nil {
		c.logger.Printf("lighter: cancel order %s failed: %v", orderID, err)
		return trading.OrderResult{Raw: raw, Err: err}
	}
	id, status := orderAck(raw)
	if id == "" {
		id = orderID
	}
	return trading.OrderResult{OrderID: id, Status: status, Raw: raw}
}

// Balance calls GET /api/v1/balance.
func (c *Client) Balance(ctx context.Context) trading.BalanceResult {
	raw, err := c.do(ctx, "balance", "", http.MethodGet, "/api/v1/balance", nil, nil, "", errs.CodeExchange)
	if err != nil {
		return trading.BalanceResult{Err: err}
	}
	var payload balancePayload
	if err := remarshal(raw, &payload); err != nil {
		return trading.BalanceResult{Err: errs.New(venue, errs.CodeExchange, errs.WithMessage("decode balance"), errs.WithCause(err))}
	}
	return trading.BalanceResult{Balance: trading.Balance{Asset: payload.Asset, Total: payload.Total, Available: payload.Available}}
}

// Position calls GET /api/v1/position?symbol=.
func (c *Client) Position(ctx context.Context, symbol string) trading.PositionResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return trading.PositionResult{Err: errs.New(venue, errs.CodeInvalid, errs.WithMessage("symbol required"))}
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	raw, err := c.do(ctx, "position", symbol, http.MethodGet, "/api/v1/position", query, nil, "", errs.CodeExchange)
	if err != nil {
		return trading.PositionResult{Err: err}
	}
	var payload positionPayload
	if err := remarshal(raw, &payload); err != nil {
		return trading.PositionResult{Err: errs.New(venue, errs.CodeExchange, errs.WithMessage("decode position"), errs.WithCause(err))}
	}
	if payload.Symbol == "" {
		payload.Symbol = symbol
	}
	return trading.PositionResult{Position: trading.Position{Symbol: payload.Symbol, Size: payload.Size, EntryPrice: payload.EntryPrice}}
}

// do performs one signed request. failure is the code used for venue
// rejections; rate limits and auth failures keep their own codes.
func (c *Client) do(ctx context.Context, op, symbol, method, path string, query url.Values, body []byte, signed string, failure errs.Code) (map[string]any, error) {
	start := time.Now()
	raw, err := c.roundTrip(ctx, method, path, query, body, signed, failure)
	c.metrics.recordRequest(context.WithoutCancel(ctx), op, symbol, time.Since(start), err)
	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte, signed string, failure errs.Code) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(venue, failure, errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errs.New(venue, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-SIGNATURE", sign(signed, c.cfg.APISecret))
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccountIndex > 0 {
		req.Header.Set("X-ACCOUNT-INDEX", strconv.FormatInt(c.cfg.AccountIndex, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New(venue, failure, errs.WithMessage(method+" "+path), errs.WithCause(err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errs.New(venue, failure, errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, respBody, failure)
	}
	raw, err := decodeObject(respBody)
	if err != nil {
		return nil, errs.New(venue, errs.CodeExchange, errs.WithHTTP(resp.StatusCode), errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return raw, nil
}

func responseError(status int, body []byte, failure errs.Code) error {
	code := failure
	switch {
	case status == http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	}
	opts := []errs.Option{errs.WithHTTP(status), errs.WithMessage(fmt.Sprintf("status %d", status))}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.text() != "" || apiErr.rawCode() != "") {
		opts = append(opts, errs.WithRawCode(apiErr.rawCode()), errs.WithRawMessage(apiErr.text()))
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		opts = append(opts, errs.WithRawMessage(trimmed))
	}
	if code == errs.CodeRateLimited {
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
	}
	return errs.New(venue, code, opts...)
}

func validateOrder(symbol string, req trading.OrderRequest) error {
	switch {
	case symbol == "":
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("symbol required"))
	case req.Side != trading.SideBuy && req.Side != trading.SideSell:
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported side %q", req.Side)))
	case !req.Size.IsPositive():
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("size must be positive"))
	case req.Type == trading.OrderTypeLimit && req.Price == nil:
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("limit order requires price"))
	case req.Type != trading.OrderTypeMarket && req.Type != trading.OrderTypeLimit:
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported order type %q", req.Type)))
	}
	return nil
}

// sign is the hex HMAC-SHA256 of payload, or empty without a secret.
func sign(payload, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func remarshal(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
