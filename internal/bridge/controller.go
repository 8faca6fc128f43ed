// Package bridge drives the whole pipeline: it keeps the feed subscription
// alive across failures, translates each update and fans deliveries out to
// every configured sink without blocking the read loop.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weeebdev/2gis2traccar/internal/config"
	"github.com/weeebdev/2gis2traccar/internal/feed"
	"github.com/weeebdev/2gis2traccar/internal/model"
	"github.com/weeebdev/2gis2traccar/internal/sink"
	"github.com/weeebdev/2gis2traccar/internal/translate"
)

// ErrReconnectExhausted is returned by Run once the reconnect attempt cap is
// spent; the host treats it as fatal.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Feed is what the controller needs from a live connection. *feed.Conn
// satisfies it; tests substitute fakes.
type Feed interface {
	Events() <-chan feed.Event
	Close() error
}

// DialFunc creates one fresh connection per attempt.
type DialFunc func(ctx context.Context) (Feed, error)

type Controller struct {
	cfg   *config.Config
	sinks []sink.Sink
	dial  DialFunc

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// deliveries outlive run-loop cancellation for the shutdown grace period
	deliverCtx    context.Context
	cancelDeliver context.CancelFunc

	state   atomic.Int32
	Metrics Metrics
}

func New(cfg *config.Config, sinks []sink.Sink, dial DialFunc) *Controller {
	dctx, dcancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:           cfg,
		sinks:         sinks,
		dial:          dial,
		sem:           semaphore.NewWeighted(cfg.MaxInflight),
		deliverCtx:    dctx,
		cancelDeliver: dcancel,
	}
	c.state.Store(int32(Disconnected))
	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.cfg.Logger.Printf("[state] %s -> %s", prev, s)
	}
}

// Run connects, consumes and reconnects until ctx is cancelled (returns nil)
// or the attempt cap is exhausted (returns ErrReconnectExhausted). In-flight
// deliveries get the configured grace period before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	if c.cfg.StatsInterval > 0 {
		// keyed to the internal context so the goroutine ends whenever Run
		// returns, cancellation or not
		go c.statsLoop(c.deliverCtx)
	}

	attempts := 0
	delay := c.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(Connecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Printf("[feed] connect error: %v", err)
		} else {
			connectedAt := c.consume(ctx, conn)
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			if !connectedAt.IsZero() && time.Since(connectedAt) >= c.cfg.ReconnectResetAfter {
				// a stable session earns a clean slate, so transient blips
				// never add up to the permanent-failure path
				attempts = 0
				delay = c.cfg.ReconnectDelay
			}
		}

		attempts++
		c.Metrics.reconnects.Add(1)
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.cfg.Logger.Printf("[feed] giving up after %d attempts", attempts)
			return ErrReconnectExhausted
		}

		c.setState(Reconnecting)
		c.cfg.Logger.Printf("[feed] reconnecting in %s (attempt %d/%d)", delay, attempts, c.cfg.MaxReconnectAttempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if delay *= 2; delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// consume drains one connection until it closes. Returns when the Connected
// state was entered, or the zero time if the socket died before opening.
func (c *Controller) consume(ctx context.Context, conn Feed) time.Time {
	var connectedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return connectedAt
		case ev, ok := <-conn.Events():
			if !ok {
				return connectedAt
			}
			switch ev.Kind {
			case feed.Opened:
				connectedAt = time.Now()
				c.setState(Connected)
				c.cfg.Logger.Printf("[feed] connected")
			case feed.Update:
				c.Metrics.updates.Add(1)
				c.dispatch(ctx, ev.State)
			case feed.DecodeError:
				c.Metrics.decodeErrors.Add(1)
				c.cfg.Logger.Printf("[feed] decode error (skipping frame): %v", ev.Err)
			case feed.Closed:
				if ev.Err != nil {
					c.cfg.Logger.Printf("[feed] closed (code=%d reason=%q): %v", ev.Code, ev.Reason, ev.Err)
				}
				return connectedAt
			}
		}
	}
}

// dispatch translates one update and launches one delivery per sink. It
// blocks only on the in-flight cap, never on the deliveries themselves, so
// feed reads stay ordered and a slow destination cannot stall the loop.
func (c *Controller) dispatch(ctx context.Context, fs *model.FriendState) {
	pos, err := translate.Position(fs, time.Now().UTC())
	if err != nil {
		c.Metrics.eventsDropped.Add(1)
		c.cfg.Logger.Printf("[drop] event for %q: %v", fs.ID, err)
		return
	}
	if c.cfg.Debug {
		c.cfg.Logger.Printf("[event] %s: lat=%v lon=%v", pos.DeviceID, pos.Lat, pos.Lon)
	}

	for _, s := range c.sinks {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return // shutting down
		}
		c.wg.Add(1)
		go func(s sink.Sink) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.deliver(ctx, s, pos)
		}(s)
	}
}

// deliver spends one retry budget against one sink. Attempts are spaced by a
// fixed delay; exhausting the budget drops the report for this sink only.
func (c *Controller) deliver(ctx context.Context, s sink.Sink, pos *model.Position) {
	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(c.deliverCtx, c.cfg.DeliveryTimeout)
		err := s.Send(sctx, pos)
		cancel()
		if err == nil {
			c.Metrics.delivered.Add(1)
			if c.cfg.Debug {
				c.cfg.Logger.Printf("[send] %s ok: %s", s.Name(), pos.DeviceID)
			}
			return
		}

		c.Metrics.sendFailures.Add(1)
		c.cfg.Logger.Printf("[send] %s attempt %d/%d failed: %v", s.Name(), attempt, c.cfg.DeliveryAttempts, err)
		if attempt >= c.cfg.DeliveryAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.DeliveryRetryDelay):
		case <-ctx.Done():
			// no new attempts once shutdown started
			c.Metrics.sendsDropped.Add(1)
			return
		}
	}
	c.Metrics.sendsDropped.Add(1)
	c.cfg.Logger.Printf("[drop] %s: report for %s after %d attempts", s.Name(), pos.DeviceID, c.cfg.DeliveryAttempts)
}

// shutdown waits out in-flight deliveries up to the grace period, then
// abandons them.
func (c *Controller) shutdown() {
	c.setState(ShuttingDown)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace):
		c.cfg.Logger.Printf("[shutdown] grace period over, abandoning in-flight deliveries")
	}
	c.cancelDeliver()
}

func (c *Controller) statsLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := c.Metrics.Snapshot()
			c.cfg.Logger.Printf("[stats] updates=%d decode_errs=%d dropped=%d delivered=%d send_fails=%d send_drops=%d reconnects=%d",
				s.Updates, s.DecodeErrors, s.EventsDropped, s.Delivered, s.SendFailures, s.SendsDropped, s.Reconnects)
		}
	}
}
