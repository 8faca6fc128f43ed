// Package feed owns one websocket subscription to the 2GIS location feed.
// A Conn is single-use: it is created per connection attempt, decodes frames
// into typed events on a channel, and is discarded once the socket drops.
package feed

import (
	"context"
	"log"

	"github.com/gorilla/websocket"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

type EventKind int

const (
	// Opened is emitted once, when the socket handshake completed.
	Opened EventKind = iota
	// Update carries one decoded friendState.
	Update
	// DecodeError reports one malformed or invalid frame; the stream continues.
	DecodeError
	// Closed is the last event before the channel closes.
	Closed
)

type Event struct {
	Kind   EventKind
	State  *model.FriendState
	Err    error
	Code   int
	Reason string
}

type Conn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}
	logger *log.Logger
	debug  bool
}

// Dial opens the websocket and starts the read loop. The returned Conn is
// not restartable; callers create a fresh one for every attempt.
func Dial(ctx context.Context, url string, logger *log.Logger, debug bool) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	c := &Conn{
		ws:     ws,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: logger,
		debug:  debug,
	}
	go c.readLoop()
	return c, nil
}

// Events yields the connection lifecycle: Opened, then Updates and
// DecodeErrors in arrival order, then exactly one Closed. The channel is
// closed after Closed.
func (c *Conn) Events() <-chan Event { return c.events }

// Close releases the socket. Safe to call while the read loop is running.
func (c *Conn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	defer close(c.events)

	if !c.emit(Event{Kind: Opened}) {
		return
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			ev := Event{Kind: Closed, Err: err}
			if ce, ok := err.(*websocket.CloseError); ok {
				ev.Code = ce.Code
				ev.Reason = ce.Text
			}
			c.emit(ev)
			return
		}

		state, skip, err := decode(raw)
		if err != nil {
			if !c.emit(Event{Kind: DecodeError, Err: err}) {
				return
			}
			continue
		}
		if skip {
			if c.debug {
				c.logger.Printf("[feed] skipping frame: %s", truncate(raw, 128))
			}
			continue
		}
		if !c.emit(Event{Kind: Update, State: state}) {
			return
		}
	}
}

// emit reports false when the Conn was closed and the loop must stop.
func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
