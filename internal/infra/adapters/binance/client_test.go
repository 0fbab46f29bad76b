package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/lib/retry"
)

func testClient(serverURL string, attempts int) *Client {
	return NewClient(Config{
		Market:   MarketFutures,
		RESTBase: serverURL,
		Retry:    retry.Policy{Attempts: attempts, Delay: time.Millisecond, Backoff: 1},
	})
}

func TestFetchSnapshotDecodesBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"lastUpdateId":100,"E":1717171717000,"bids":[["10.0","1.5"]],"asks":[["11.0","2"],["11.5","0.25"]]}`))
	}))
	t.Cleanup(server.Close)

	snap, err := testClient(server.URL, 3).FetchSnapshot(context.Background(), "btcusdt", 50)
	require.NoError(t, err)
	require.Equal(t, uint64(100), snap.LastUpdateID)
	require.Equal(t, "BTCUSDT", snap.Symbol)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 2)
	require.Equal(t, "1.5", snap.Bids[0].Quantity.String())
	require.Equal(t, "11.5", snap.Asks[1].Price.String())
}

func TestFetchSnapshotRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":7,"bids":[],"asks":[]}`))
	}))
	t.Cleanup(server.Close)

	snap, err := testClient(server.URL, 3).FetchSnapshot(context.Background(), "ETHUSDT", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), snap.LastUpdateID)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchSnapshotKeepsCallerNotify(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":9,"bids":[],"asks":[]}`))
	}))
	t.Cleanup(server.Close)

	var attempts []int
	client := NewClient(Config{
		Market:   MarketFutures,
		RESTBase: server.URL,
		Retry: retry.Policy{
			Attempts: 3,
			Delay:    time.Millisecond,
			Backoff:  1,
			Notify: func(_ error, attempt int, _ time.Duration) {
				attempts = append(attempts, attempt)
			},
		},
	})
	_, err := client.FetchSnapshot(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, attempts)
}

func TestFetchSnapshotExhaustionIsSnapshotUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	}))
	t.Cleanup(server.Close)

	_, err := testClient(server.URL, 2).FetchSnapshot(context.Background(), "BTCUSDT", 10)
	require.Error(t, err)
	require.True(t, IsSnapshotUnavailable(err))
	require.True(t, errs.Is(err, errs.CodeRateLimited), "final attempt error should be preserved: %v", err)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchSnapshotClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	t.Cleanup(server.Close)

	_, err := testClient(server.URL, 5).FetchSnapshot(context.Background(), "NOPE", 10)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())

	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.CodeSnapshotUnavailable, e.Code)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Contains(t, err.Error(), "Invalid symbol.")
}

func TestFetchSnapshotCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(server.URL, 3).FetchSnapshot(ctx, "BTCUSDT", 10)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamURL(t *testing.T) {
	cfg := withDefaults(Config{Market: MarketSpot})
	require.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@depth@100ms", cfg.streamURL("BTCUSDT", "100ms"))
	require.Equal(t, "https://api.binance.com/api/v3/depth", cfg.restEndpoint(cfg.depthPath()))

	futures := withDefaults(Config{})
	require.Equal(t, "wss://fstream.binance.com/ws/ethusdt@depth", futures.streamURL("ETHUSDT", ""))
	require.Equal(t, 3, futures.Retry.Attempts)
}
