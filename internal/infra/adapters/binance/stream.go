package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

// OpenDiffStream dials the depth diff stream for symbol. Diffs are delivered
// on the first channel in arrival order. The stream ends in one of two ways:
// ctx is cancelled, in which case both channels close without an error, or the
// transport fails, in which case exactly one CodeTransport error is sent before
// both channels close. A dial failure is returned directly.
func (c *Client) OpenDiffStream(ctx context.Context, symbol, interval string) (<-chan orderbook.DiffEvent, <-chan error, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, nil, errs.New(venue, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	endpoint := c.cfg.streamURL(symbol, interval)
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		c.metrics.recordTransportError(context.WithoutCancel(ctx), symbol, "dial")
		return nil, nil, errs.New(venue, errs.CodeTransport,
			errs.WithMessage("dial diff stream"),
			errs.WithField("url", endpoint),
			errs.WithCause(err))
	}
	conn.SetReadLimit(readLimit)

	events := make(chan orderbook.DiffEvent, c.cfg.StreamBuffer)
	errc := make(chan error, 1)
	go c.runStream(ctx, conn, symbol, events, errc)
	return events, errc, nil
}

func (c *Client) runStream(ctx context.Context, conn *websocket.Conn, symbol string, events chan<- orderbook.DiffEvent, errc chan<- error) {
	defer close(errc)
	defer close(events)

	streamCtx, cancel := context.WithCancel(ctx)
	var (
		pingErr error
		pingMu  sync.Mutex
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.pingLoop(streamCtx, conn, symbol); err != nil {
			pingMu.Lock()
			pingErr = err
			pingMu.Unlock()
			_ = conn.CloseNow()
		}
	}()
	defer wg.Wait()
	defer cancel()

	fail := func(reason string, err error) {
		c.metrics.recordTransportError(context.WithoutCancel(ctx), symbol, reason)
		c.logger.Printf("binance: diff stream %s %s: %v", symbol, reason, err)
		errc <- errs.New(venue, errs.CodeTransport,
			errs.WithMessage("diff stream "+reason),
			errs.WithField("symbol", symbol),
			errs.WithCause(err))
	}

	for {
		msgType, data, err := conn.Read(streamCtx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			pingMu.Lock()
			perr := pingErr
			pingMu.Unlock()
			if perr != nil {
				fail("ping", perr)
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				fail("closed", fmt.Errorf("remote closed with status %d: %w", status, err))
				return
			}
			fail("read", err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.metrics.recordFrame(streamCtx, symbol, len(data))

		diff, ok, err := decodeDiff(data)
		if err != nil {
			_ = conn.Close(websocket.StatusUnsupportedData, "malformed frame")
			fail("decode", err)
			return
		}
		if !ok {
			continue
		}
		if diff.Symbol == "" {
			diff.Symbol = symbol
		}
		select {
		case events <- diff:
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// decodeDiff returns ok=false for frames that are not depth updates and for
// depth frames missing either update id. Such a frame cannot be placed in the
// sequence, and a defaulted id would pass the bridge test.
func decodeDiff(data []byte) (orderbook.DiffEvent, bool, error) {
	var msg depthDiffMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return orderbook.DiffEvent{}, false, fmt.Errorf("decode depth frame: %w", err)
	}
	if msg.EventType != "" && msg.EventType != "depthUpdate" {
		return orderbook.DiffEvent{}, false, nil
	}
	if msg.FirstUpdateID == nil || msg.FinalUpdateID == nil {
		return orderbook.DiffEvent{}, false, nil
	}
	if *msg.FirstUpdateID > *msg.FinalUpdateID {
		return orderbook.DiffEvent{}, false, fmt.Errorf("depth frame U %d > u %d", *msg.FirstUpdateID, *msg.FinalUpdateID)
	}
	diff, err := msg.toDiff()
	if err != nil {
		return orderbook.DiffEvent{}, false, fmt.Errorf("decode depth frame: %w", err)
	}
	return diff, true, nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, symbol string) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.recordPing(ctx, symbol, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
