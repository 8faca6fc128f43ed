// Package sink contains the delivery targets. Every destination implements
// the same one-call-one-attempt contract; retry orchestration lives in the
// bridge controller.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// Sink delivers one position to one destination. Send performs exactly one
// attempt; the context carries the per-attempt timeout.
type Sink interface {
	Name() string
	Send(ctx context.Context, pos *model.Position) error
}

type Kind int

const (
	Timeout Kind = iota
	Refused
	Status
	BadResponse
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Refused:
		return "refused"
	case Status:
		return "status"
	default:
		return "bad-response"
	}
}

// Error is the delivery failure taxonomy. StatusCode is set only for Kind
// Status.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == Status {
		return fmt.Sprintf("delivery failed: http %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// classify buckets transport errors: timeouts (deadlines and shutdown-time
// cancellation included), then refused/reset-class connection errors;
// anything else is a mangled exchange.
func classify(err error) *Error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{Kind: Timeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &Error{Kind: Refused, Err: err}
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) {
		return &Error{Kind: Refused, Err: err}
	}
	return &Error{Kind: BadResponse, Err: err}
}
