package connection

import (
	"context"
	"encoding/json"
)

// Handler processes one inbound request or notification. For requests the
// returned value is marshaled into the response's result field; for
// notifications the return value is discarded and only a non-nil error is
// logged. A returned error becomes an InternalError response for requests
// (spec §4.3.2).
type Handler func(ctx context.Context, params json.RawMessage) (result any, err error)

// HandlerRegistry is the narrow surface the engine exposes for wiring
// method dispatch, letting C5/C6 register themselves without the engine
// importing their packages (DESIGN NOTES §9: explicit interfaces injected
// top-down, no callback bag).
type HandlerRegistry interface {
	RegisterHandler(method string, fn Handler)
}

// ConfigSink receives config/push requests (wired to C5's Intake).
type ConfigSink interface {
	HandleConfigPush(ctx context.Context, raw json.RawMessage) (any, error)
}

// WorkflowExecutor receives workflow/execute requests (wired to C6's
// Invoker, which owns the embedded workflow engine).
type WorkflowExecutor interface {
	HandleWorkflowExecute(ctx context.Context, raw json.RawMessage) (any, error)
}

// ToolExecutor receives tool/call requests (wired to C6's Invoker).
type ToolExecutor interface {
	HandleToolCall(ctx context.Context, raw json.RawMessage) (any, error)
}

// WireHandlers registers the three CP-initiated methods named in spec §6
// against the supplied implementations. Any of the three may be nil if
// that collaborator is not yet wired (e.g. during tests of the engine in
// isolation) — in that case, requests for its method get MethodNotFound.
func WireHandlers(reg HandlerRegistry, cfg ConfigSink, wf WorkflowExecutor, tools ToolExecutor) {
	if cfg != nil {
		reg.RegisterHandler("config/push", func(ctx context.Context, params json.RawMessage) (any, error) {
			return cfg.HandleConfigPush(ctx, params)
		})
	}
	if wf != nil {
		reg.RegisterHandler("workflow/execute", func(ctx context.Context, params json.RawMessage) (any, error) {
			return wf.HandleWorkflowExecute(ctx, params)
		})
	}
	if tools != nil {
		reg.RegisterHandler("tool/call", func(ctx context.Context, params json.RawMessage) (any, error) {
			return tools.HandleToolCall(ctx, params)
		})
	}
}
