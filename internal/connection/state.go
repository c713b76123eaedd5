// Package connection implements the runner's connection, dispatch, and
// lifecycle engine (spec §4.3): the duplex transport owner, the
// request/response correlator, the registration handshake, the heartbeat
// watchdog, and the reconnection state machine.
package connection

import (
	"sync/atomic"

	"github.com/edgerunner/runner/internal/metrics"
)

// State is the single-writer connection state enum (spec §3).
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// stateBox holds a State behind an atomic so any goroutine may read it for
// diagnostics while only the engine's own goroutine writes it (spec §5).
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() State {
	return State(b.v.Load())
}

func (b *stateBox) Store(s State) {
	b.v.Store(int32(s))
	metrics.ConnectionState.Set(float64(s))
}
