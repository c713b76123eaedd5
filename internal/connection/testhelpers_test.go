package connection

import (
	"context"
	"encoding/json"

	"github.com/edgerunner/runner/internal/transport"
)

// fakeDialer lets tests script a sequence of dial outcomes, standing in
// for however many times the engine tries to reach a stub CP.
type fakeDialer struct {
	dial func(ctx context.Context, url, token string) (transport.Transport, error)
}

func (f *fakeDialer) Dial(ctx context.Context, url, token string) (transport.Transport, error) {
	return f.dial(ctx, url, token)
}

// stubFrame is a loosely typed JSON-RPC frame for test assertions.
type stubFrame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func recvFrame(ctx context.Context, tr transport.Transport) (*stubFrame, error) {
	raw, err := tr.Recv(ctx)
	if err != nil {
		return nil, err
	}
	var f stubFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func sendOK(ctx context.Context, tr transport.Transport, id json.RawMessage) error {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"result":  map[string]string{"status": "ok"},
	})
	return tr.Send(ctx, raw)
}

func sendAuthError(ctx context.Context, tr transport.Transport, id json.RawMessage) error {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error":   map[string]any{"code": -32000, "message": "bad token"},
	})
	return tr.Send(ctx, raw)
}
