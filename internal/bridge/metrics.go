package bridge

import "sync/atomic"

// Metrics counts what the pipeline absorbed instead of crashing on. Owned by
// the controller, safe to read concurrently.
type Metrics struct {
	updates       atomic.Uint64
	decodeErrors  atomic.Uint64
	eventsDropped atomic.Uint64
	delivered     atomic.Uint64
	sendFailures  atomic.Uint64
	sendsDropped  atomic.Uint64
	reconnects    atomic.Uint64
}

type Snapshot struct {
	Updates       uint64
	DecodeErrors  uint64
	EventsDropped uint64
	Delivered     uint64
	SendFailures  uint64
	SendsDropped  uint64
	Reconnects    uint64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Updates:       m.updates.Load(),
		DecodeErrors:  m.decodeErrors.Load(),
		EventsDropped: m.eventsDropped.Load(),
		Delivered:     m.delivered.Load(),
		SendFailures:  m.sendFailures.Load(),
		SendsDropped:  m.sendsDropped.Load(),
		Reconnects:    m.reconnects.Load(),
	}
}
