package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the CP over WebSocket, the "typically WebSocket"
// transport named in spec §6.
type WebSocketDialer struct {
	// Dialer lets tests substitute a *websocket.Dialer pointed at a local
	// httptest server. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, url, authToken string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+authToken)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	return newWebSocketTransport(conn), nil
}

// WebSocketTransport adapts *websocket.Conn to the Transport interface.
// Writes are serialized by writeMu so "at most one write in flight"
// (spec §5) holds even if callers race.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := t.conn.ReadMessage()
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			select {
			case <-t.closed:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("transport: recv: %w", r.err)
		}
		return r.data, nil
	}
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
