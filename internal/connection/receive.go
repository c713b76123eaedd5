package connection

import (
	"context"
	"fmt"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/edgerunner/runner/internal/transport"
)

// receiveLoop is the single consumer of tr. It never awaits a handler's
// completion — each request/notification is dispatched as an independent
// task so the loop immediately returns to draining the transport (spec §5).
func (e *Engine) receiveLoop(ctx context.Context, tr transport.Transport, signalLost func()) {
	for {
		raw, err := tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("conn", "receive error: %v", err)
			signalLost()
			return
		}
		e.handleInbound(ctx, raw)
	}
}

func (e *Engine) handleInbound(ctx context.Context, raw []byte) {
	kind, frame, err := jsonrpc.Classify(raw, e.pending.isPending)
	if err != nil {
		e.logger.Warn("conn", "malformed frame discarded: %v", err)
		return
	}

	switch kind {
	case jsonrpc.KindResponse:
		if !e.pending.complete(frame.ID, frame) {
			e.logger.Warn("conn", "response for id %s arrived with no live pending entry", string(frame.ID))
		}
	case jsonrpc.KindUnmatchedResponse:
		e.logger.Warn("conn", "dropping late/unmatched response for id %s", string(frame.ID))
	case jsonrpc.KindRequest:
		go e.dispatchRequest(ctx, frame)
	case jsonrpc.KindNotification:
		go e.dispatchNotification(ctx, frame)
	default:
		e.logger.Warn("conn", "malformed frame discarded")
	}
}

func (e *Engine) lookupHandler(method string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	fn, ok := e.handlers[method]
	return fn, ok
}

func (e *Engine) dispatchRequest(ctx context.Context, frame *jsonrpc.Frame) {
	var payload []byte
	var encErr error

	fn, ok := e.lookupHandler(frame.Method)
	if !ok {
		e.logger.Warn("conn", "no handler registered for request method %q", frame.Method)
		payload, encErr = jsonrpc.EncodeError(frame.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", frame.Method))
	} else {
		result, err := fn(ctx, frame.Params)
		if err != nil {
			payload, encErr = jsonrpc.EncodeError(frame.ID, jsonrpc.CodeInternalError, err.Error())
		} else {
			payload, encErr = jsonrpc.EncodeResult(frame.ID, result)
		}
	}

	if encErr != nil {
		e.logger.Error("conn", "failed to encode response for %q: %v", frame.Method, encErr)
		return
	}

	// The connection may have died while the handler ran; per spec §4.3.4
	// the response is then silently dropped because the request id is no
	// longer correlated to a live transport.
	tr, ok := e.currentTransport()
	if !ok {
		return
	}
	if err := tr.Send(ctx, payload); err != nil {
		e.logger.Warn("conn", "failed to write response for %q: %v", frame.Method, err)
	}
}

func (e *Engine) dispatchNotification(ctx context.Context, frame *jsonrpc.Frame) {
	fn, ok := e.lookupHandler(frame.Method)
	if !ok {
		e.logger.Warn("conn", "no handler registered for notification method %q", frame.Method)
		return
	}
	if _, err := fn(ctx, frame.Params); err != nil {
		e.logger.Error("conn", "notification handler %q failed: %v", frame.Method, err)
	}
}
