// Package transport provides the persistent, ordered, message-framed
// full-duplex byte channel between the runner and the Control Plane
// (spec §4.2).
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Recv once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is a reliable, ordered, message-framed full-duplex channel.
// The connection engine calls Send from several goroutines at once
// (heartbeat, outbound requests, handler responses), so an implementation
// serializes concurrent Sends itself (spec §5). Close may be called
// concurrently with Send/Recv and must be idempotent.
type Transport interface {
	// Send writes one complete message frame. It blocks until the frame
	// is handed to the underlying channel or ctx is done.
	Send(ctx context.Context, payload []byte) error

	// Recv blocks until the next complete frame arrives, ctx is done, or
	// the channel is closed/errored.
	Recv(ctx context.Context) ([]byte, error)

	// Close shuts the channel down. Idempotent.
	Close() error
}

// Dialer opens a Transport to a CP URL, setting the bearer-auth header on
// the initial handshake.
type Dialer interface {
	Dial(ctx context.Context, url, authToken string) (Transport, error)
}
