package lighter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/trading"
)

type capturedRequest struct {
	method    string
	path      string
	query     string
	body      []byte
	apiKey    string
	signature string
	account   string
}

type venueServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func (v *venueServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.requests = append(v.requests, capturedRequest{
		method:    r.Method,
		path:      r.URL.Path,
		query:     r.URL.RawQuery,
		body:      body,
		apiKey:    r.Header.Get("X-API-KEY"),
		signature: r.Header.Get("X-SIGNATURE"),
		account:   r.Header.Get("X-ACCOUNT-INDEX"),
	})
	status, response := v.status, v.response
	v.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func (v *venueServer) last(t *testing.T) capturedRequest {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	require.NotEmpty(t, v.requests)
	return v.requests[len(v.requests)-1]
}

func newTestClient(t *testing.T, v *venueServer, secret string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(v.handler))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "key-1",
		APISecret:    secret,
		AccountIndex: 7,
		OrderRate:    1000,
	}, WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
}

func expectedSignature(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPlaceOrderSignsBody(t *testing.T) {
	venue := &venueServer{response: `{"orderId":12345,"status":"NEW"}`}
	client := newTestClient(t, venue, "s3cret")

	result := client.PlaceOrder(context.Background(), trading.OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "btcusdt",
		Side:          trading.SideBuy,
		Size:          decimal.RequireFromString("0.01"),
		Type:          trading.OrderTypeMarket,
	})
	require.NoError(t, result.Err)
	require.Equal(t, "12345", result.OrderID)
	require.Equal(t, "NEW", result.Status)

	req := venue.last(t)
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/api/v1/order", req.path)
	require.Equal(t, "key-1", req.apiKey)
	require.Equal(t, "7", req.account)
	require.Equal(t, expectedSignature(string(req.body), "s3cret"), req.signature)

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.body, &body))
	require.Equal(t, "BTCUSDT", body["symbol"])
	require.Equal(t, "BUY", body["side"])
	require.Equal(t, "0.01", body["size"])
	require.Equal(t, "MARKET", body["type"])
	require.Nil(t, body["price"])
	require.Equal(t, float64(1700000000000), body["timestamp"])
	require.Equal(t, "cid-1", body["clientOrderId"])
}

func TestSignatureEmptyWithoutSecret(t *testing.T) {
	venue := &venueServer{response: `{"asset":"USDC","total":"100.5","available":"90"}`}
	client := newTestClient(t, venue, "")

	result := client.Balance(context.Background())
	require.NoError(t, result.Err)
	require.Equal(t, "USDC", result.Balance.Asset)
	require.True(t, result.Balance.Total.Equal(decimal.RequireFromString("100.5")))
	require.True(t, result.Balance.Available.Equal(decimal.NewFromInt(90)))
	require.Empty(t, venue.last(t).signature)
}

func TestClosePositionPicksOpposingSide(t *testing.T) {
	tests := []struct {
		size string
		side string
		abs  string
	}{
		{size: "0.5", side: "SELL", abs: "0.5"},
		{size: "-0.25", side: "BUY", abs: "0.25"},
	}
	for _, tt := range tests {
		venue := &venueServer{response: `{"id":"x"}`}
		client := newTestClient(t, venue, "k")
		result := client.ClosePosition(context.Background(), "ETHUSDT", decimal.RequireFromString(tt.size))
		require.NoError(t, result.Err)

		var body map[string]any
		require.NoError(t, json.Unmarshal(venue.last(t).body, &body))
		require.Equal(t, tt.side, body["side"])
		require.Equal(t, tt.abs, body["size"])
		require.Equal(t, "MARKET", body["type"])
	}
}

func TestOrderRejectionIsOrderSubmissionError(t *testing.T) {
	venue := &venueServer{status: http.StatusBadRequest, response: `{"code":21001,"message":"insufficient margin"}`}
	client := newTestClient(t, venue, "k")

	result := client.PlaceOrder(context.Background(), trading.OrderRequest{
		Symbol: "BTCUSDT", Side: trading.SideSell, Size: decimal.NewFromInt(1), Type: trading.OrderTypeMarket,
	})
	require.Error(t, result.Err)
	require.False(t, result.OK())
	require.True(t, errs.Is(result.Err, errs.CodeOrderSubmission))

	var envelope *errs.E
	require.ErrorAs(t, result.Err, &envelope)
	require.Equal(t, http.StatusBadRequest, envelope.HTTP)
	require.Equal(t, "21001", envelope.RawCode)
	require.Equal(t, "insufficient margin", envelope.RawMsg)
}

func TestRateLimitAndAuthCodes(t *testing.T) {
	venue := &venueServer{status: http.StatusTooManyRequests, response: `{"error":"slow down"}`}
	client := newTestClient(t, venue, "k")
	result := client.Position(context.Background(), "BTCUSDT")
	require.True(t, errs.Is(result.Err, errs.CodeRateLimited))

	venue.mu.Lock()
	venue.status, venue.response = http.StatusUnauthorized, "denied"
	venue.mu.Unlock()
	balance := client.Balance(context.Background())
	require.True(t, errs.Is(balance.Err, errs.CodeAuth))
}

func TestCancelOrderSignsID(t *testing.T) {
	venue := &venueServer{response: `{"status":"CANCELED"}`}
	client := newTestClient(t, venue, "s")

	result := client.CancelOrder(context.Background(), "abc-1")
	require.NoError(t, result.Err)
	require.Equal(t, "abc-1", result.OrderID)
	require.Equal(t, "CANCELED", result.Status)

	req := venue.last(t)
	require.Equal(t, http.MethodDelete, req.method)
	require.Equal(t, "/api/v1/order/abc-1", req.path)
	require.Equal(t, expectedSignature("abc-1", "s"), req.signature)
}

func TestPositionQuery(t *testing.T) {
	venue := &venueServer{response: `{"size":-0.02,"entryPrice":"64000.5"}`}
	client := newTestClient(t, venue, "")

	result := client.Position(context.Background(), "btcusdt")
	require.NoError(t, result.Err)
	require.Equal(t, "BTCUSDT", result.Position.Symbol)
	require.True(t, result.Position.Size.Equal(decimal.RequireFromString("-0.02")))
	require.True(t, result.Position.EntryPrice.Equal(decimal.RequireFromString("64000.5")))
	require.Equal(t, "symbol=BTCUSDT", venue.last(t).query)
}

func TestInvalidOrdersNeverReachVenue(t *testing.T) {
	venue := &venueServer{}
	client := newTestClient(t, venue, "")
	cases := []trading.OrderRequest{
		{Symbol: "", Side: trading.SideBuy, Size: decimal.NewFromInt(1), Type: trading.OrderTypeMarket},
		{Symbol: "X", Side: "HOLD", Size: decimal.NewFromInt(1), Type: trading.OrderTypeMarket},
		{Symbol: "X", Side: trading.SideBuy, Size: decimal.Zero, Type: trading.OrderTypeMarket},
		{Symbol: "X", Side: trading.SideBuy, Size: decimal.NewFromInt(1), Type: trading.OrderTypeLimit},
	}
	for _, req := range cases {
		result := client.PlaceOrder(context.Background(), req)
		require.True(t, errs.Is(result.Err, errs.CodeInvalid), "request %+v", req)
	}
	require.Empty(t, venue.requests)
}

func TestNetworkFailureIsReportedNotRaised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	client := NewClient(Config{BaseURL: srv.URL, OrderRate: 1000})

	result := client.PlaceOrder(context.Background(), trading.OrderRequest{
		Symbol: "BTCUSDT", Side: trading.SideBuy, Size: decimal.NewFromInt(1), Type: trading.OrderTypeMarket,
	})
	require.True(t, errs.Is(result.Err, errs.CodeOrderSubmission))
}
