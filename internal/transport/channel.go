package transport

import (
	"context"
	"sync"
)

// ChannelTransport is an in-memory Transport backed by Go channels,
// standing in for a stub Control Plane in tests (spec §8 scenarios 1-6).
// Use NewChannelPair to get two ends wired to each other.
type ChannelTransport struct {
	out chan []byte
	in  chan []byte

	// closeOnce and closed are shared by both ends of a pair, so closing
	// either end closes the link for both, as a dropped connection would.
	closeOnce *sync.Once
	closed    chan struct{}
}

// NewChannelPair returns two ChannelTransports such that sending on one
// is received on the other.
func NewChannelPair(buffer int) (a, b *ChannelTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	closeOnce := &sync.Once{}
	closed := make(chan struct{})
	a = &ChannelTransport{out: ab, in: ba, closeOnce: closeOnce, closed: closed}
	b = &ChannelTransport{out: ba, in: ab, closeOnce: closeOnce, closed: closed}
	return a, b
}

func (c *ChannelTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

func (c *ChannelTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-c.in:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *ChannelTransport) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
