package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weeebdev/2gis2traccar/internal/config"
	"github.com/weeebdev/2gis2traccar/internal/feed"
	"github.com/weeebdev/2gis2traccar/internal/model"
	"github.com/weeebdev/2gis2traccar/internal/sink"
)

func testConfig() *config.Config {
	return &config.Config{
		Logger:               log.New(io.Discard, "", 0),
		ReconnectDelay:       10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 4,
		ReconnectResetAfter:  50 * time.Millisecond,
		DeliveryAttempts:     3,
		DeliveryRetryDelay:   5 * time.Millisecond,
		DeliveryTimeout:      time.Second,
		MaxInflight:          8,
		ShutdownGrace:        2 * time.Second,
	}
}

type fakeFeed struct {
	ch chan feed.Event
}

func newFakeFeed(events ...feed.Event) *fakeFeed {
	f := &fakeFeed{ch: make(chan feed.Event, len(events))}
	for _, ev := range events {
		f.ch <- ev
	}
	close(f.ch)
	return f
}

func (f *fakeFeed) Events() <-chan feed.Event { return f.ch }
func (f *fakeFeed) Close() error              { return nil }

type fakeSink struct {
	name  string
	fail  bool
	mu    sync.Mutex
	calls int
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(ctx context.Context, pos *model.Position) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail {
		return &sink.Error{Kind: sink.Status, StatusCode: 500}
	}
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func update(id string, lat, lon float64) feed.Event {
	return feed.Event{Kind: feed.Update, State: &model.FriendState{
		ID:       id,
		Location: &model.Location{Lat: lat, Lon: lon},
	}}
}

func dialOnce(f Feed) DialFunc {
	var used atomic.Bool
	return func(ctx context.Context) (Feed, error) {
		if used.Swap(true) {
			return nil, errors.New("feed unreachable")
		}
		return f, nil
	}
}

func TestRetryBudgetAndSinkIndependence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1 // stop after the one session

	bad := &fakeSink{name: "bad", fail: true}
	good := &fakeSink{name: "good"}

	f := newFakeFeed(
		feed.Event{Kind: feed.Opened},
		update("abc", 55.7558, 37.6176),
		feed.Event{Kind: feed.Closed},
	)
	ctrl := New(cfg, []sink.Sink{bad, good}, dialOnce(f))

	err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)

	assert.Equal(t, cfg.DeliveryAttempts, bad.count(), "failing sink gets exactly the budget")
	assert.Equal(t, 1, good.count(), "healthy sink is unaffected by the sibling's retries")

	s := ctrl.Metrics.Snapshot()
	assert.EqualValues(t, 1, s.Updates)
	assert.EqualValues(t, 1, s.Delivered)
	assert.EqualValues(t, 3, s.SendFailures)
	assert.EqualValues(t, 1, s.SendsDropped)
}

func TestTranslationFailureCountsOneDrop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1

	dst := &fakeSink{name: "dst"}
	f := newFakeFeed(
		feed.Event{Kind: feed.Opened},
		feed.Event{Kind: feed.Update, State: &model.FriendState{ID: "abc"}}, // no location
		update("abc", 95, 37.6),                                            // out of range
		feed.Event{Kind: feed.Closed},
	)
	ctrl := New(cfg, []sink.Sink{dst}, dialOnce(f))

	err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)

	assert.Zero(t, dst.count())
	assert.EqualValues(t, 2, ctrl.Metrics.Snapshot().EventsDropped)
}

func TestBackoffGrowsAndIsBounded(t *testing.T) {
	cfg := testConfig() // 4 attempts, base 10ms, cap 40ms

	var mu sync.Mutex
	var dialTimes []time.Time
	dial := func(ctx context.Context) (Feed, error) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	ctrl := New(cfg, nil, dial)
	err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.Len(t, dialTimes, cfg.MaxReconnectAttempts)

	var gaps []time.Duration
	for i := 1; i < len(dialTimes); i++ {
		gaps = append(gaps, dialTimes[i].Sub(dialTimes[i-1]))
	}
	const slack = 5 * time.Millisecond
	for i := 1; i < len(gaps); i++ {
		assert.GreaterOrEqual(t, gaps[i]+slack, gaps[i-1], "delays must be non-decreasing")
	}
	for _, g := range gaps {
		assert.Less(t, g, cfg.ReconnectMaxDelay+100*time.Millisecond, "delays must respect the ceiling")
	}
}

func TestStableConnectionResetsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectResetAfter = 20 * time.Millisecond

	// every session opens, stays up past the reset threshold, then dies
	var dials atomic.Int32
	dial := func(ctx context.Context) (Feed, error) {
		dials.Add(1)
		f := &fakeFeed{ch: make(chan feed.Event, 2)}
		f.ch <- feed.Event{Kind: feed.Opened}
		go func() {
			time.Sleep(30 * time.Millisecond)
			f.ch <- feed.Event{Kind: feed.Closed, Err: errors.New("reset by peer")}
			close(f.ch)
		}()
		return f, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := New(cfg, nil, dial)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	// with MaxReconnectAttempts=2 and no reset the run would die after two
	// sessions; stable sessions must keep it alive indefinitely
	deadline := time.After(2 * time.Second)
	for dials.Load() < 4 {
		select {
		case err := <-done:
			t.Fatalf("run ended early: %v (dials=%d)", err, dials.Load())
		case <-deadline:
			t.Fatalf("feed was not redialed enough (dials=%d)", dials.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, ShuttingDown, ctrl.State())
}

func TestShutdownStopsCleanly(t *testing.T) {
	cfg := testConfig()

	f := &fakeFeed{ch: make(chan feed.Event, 1)}
	f.ch <- feed.Event{Kind: feed.Opened}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := New(cfg, nil, dialOnce(f))

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return ctrl.State() == Connected }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
	assert.Equal(t, ShuttingDown, ctrl.State())
}

// slowSink takes a fixed time per delivery and gives up when its context
// does.
type slowSink struct {
	name    string
	delay   time.Duration
	started atomic.Int32
}

func (s *slowSink) Name() string { return s.name }

func (s *slowSink) Send(ctx context.Context, pos *model.Position) error {
	s.started.Add(1)
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return &sink.Error{Kind: sink.Timeout, Err: ctx.Err()}
	}
}

func TestShutdownGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.DeliveryAttempts = 1
	cfg.DeliveryTimeout = 10 * time.Second
	cfg.ShutdownGrace = 150 * time.Millisecond

	quick := &slowSink{name: "quick", delay: 30 * time.Millisecond}
	stuck := &slowSink{name: "stuck", delay: 10 * time.Second}

	f := &fakeFeed{ch: make(chan feed.Event, 2)}
	f.ch <- feed.Event{Kind: feed.Opened}
	f.ch <- update("abc", 55.7558, 37.6176)

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := New(cfg, []sink.Sink{quick, stuck}, dialOnce(f))

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	// cancel only once both deliveries are in flight
	require.Eventually(t, func() bool {
		return quick.started.Load() == 1 && stuck.started.Load() == 1
	}, time.Second, time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, cfg.ShutdownGrace, "the stuck delivery must be given the full grace period")
	assert.Less(t, elapsed, cfg.ShutdownGrace+500*time.Millisecond, "run must not wait past the grace period")

	// the short delivery finished inside the grace window; the stuck one was
	// abandoned when the grace ran out
	assert.EqualValues(t, 1, ctrl.Metrics.Snapshot().Delivered)
	require.Eventually(t, func() bool {
		return ctrl.Metrics.Snapshot().SendsDropped == 1
	}, time.Second, time.Millisecond)
}

func TestRunReleasesInternalContext(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	cfg.StatsInterval = 10 * time.Millisecond

	dial := func(ctx context.Context) (Feed, error) {
		return nil, errors.New("connection refused")
	}
	ctrl := New(cfg, nil, dial)

	err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Error(t, ctrl.deliverCtx.Err(), "internal context must be cancelled so the stats loop ends")
}

func TestStateStartsDisconnected(t *testing.T) {
	ctrl := New(testConfig(), nil, dialOnce(newFakeFeed()))
	assert.Equal(t, Disconnected, ctrl.State())
}
