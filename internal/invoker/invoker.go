// Package invoker implements C6, the Hybrid Invoker: it decides, per tool
// call, whether to run a tool against a locally connected provider or proxy
// the call to the Control Plane, and it owns the embedded workflow engine
// that workflow/execute runs against.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/edgerunner/runner/internal/workflow"
	"github.com/google/uuid"
)

// ProviderSupervisor is the narrow surface Invoker needs from C4.
type ProviderSupervisor interface {
	IsAvailable(tool string) bool
	CallTool(ctx context.Context, tool string, args map[string]any) (any, error)
}

// ControlPlaneProxy is the narrow surface Invoker needs from C3 to forward
// a tool call upstream.
type ControlPlaneProxy interface {
	SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Frame, error)
}

const defaultProxyTimeout = 60 * time.Second

// ToolResult is whatever a tool call resolves to: a locally bound
// provider's result passed back verbatim, or a structured
// {status, error: {code, message}} map when a proxy call fails.
type ToolResult = any

// Invoker routes tool calls to a local provider when one is available and
// otherwise proxies the call to the Control Plane via tool/proxy. It also
// satisfies connection.WorkflowExecutor and connection.ToolExecutor.
type Invoker struct {
	supervisor   ProviderSupervisor
	cp           ControlPlaneProxy
	engine       *workflow.Engine
	proxyTimeout time.Duration
}

// New constructs an Invoker. Either collaborator may be nil — a nil
// supervisor means every call proxies, a nil cp means local-only operation
// useful for tests — but both absent makes the invoker report itself
// uninitialized to callers, per spec's EXECUTOR_NOT_INITIALIZED handling.
func New(supervisor ProviderSupervisor, cp ControlPlaneProxy, proxyTimeout time.Duration) *Invoker {
	if proxyTimeout <= 0 {
		proxyTimeout = defaultProxyTimeout
	}
	return &Invoker{
		supervisor:   supervisor,
		cp:           cp,
		engine:       workflow.New(),
		proxyTimeout: proxyTimeout,
	}
}

// Initialized reports whether the invoker has at least one route — a local
// supervisor or a Control Plane proxy — to dispatch a tool call through.
func (inv *Invoker) Initialized() bool {
	return inv.supervisor != nil || inv.cp != nil
}

// Invoke runs a single tool call using the local-vs-proxy rule: a tool
// available on a connected local provider runs there; otherwise the call is
// forwarded to the Control Plane as tool/proxy. Proxy failures are reported
// as a structured error result rather than a Go error, so a workflow step
// that hits a remote failure can still be recorded per-step instead of
// aborting the whole invocation path.
func (inv *Invoker) Invoke(ctx context.Context, tool string, params map[string]any, timeout time.Duration) (ToolResult, error) {
	if inv.supervisor != nil && inv.supervisor.IsAvailable(tool) {
		return inv.supervisor.CallTool(ctx, tool, params)
	}

	if inv.cp == nil {
		return nil, fmt.Errorf("invoker: tool %q unavailable locally and no control plane proxy configured", tool)
	}

	if timeout <= 0 {
		timeout = inv.proxyTimeout
	}
	frame, err := inv.cp.SendRequest(ctx, "tool/proxy", map[string]any{"tool": tool, "args": params}, timeout)
	if err != nil {
		return errorResult("PROXY_FAILED", err.Error()), nil
	}
	if frame.Error != nil {
		return errorResult(fmt.Sprintf("%d", frame.Error.Code), frame.Error.Message), nil
	}

	var result any
	if len(frame.Result) > 0 {
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return errorResult("PROXY_FAILED", fmt.Sprintf("malformed tool/proxy result: %v", err)), nil
		}
	}
	return result, nil
}

// HandleToolCall implements connection.ToolExecutor. Unlike Invoke (used
// internally by workflow steps), a direct tool/call from the Control Plane
// is expected to run locally — if spec.md wanted the CP to ask the runner
// to proxy a call back to itself, it would not be a tool/call in the first
// place — so this only consults the local supervisor.
func (inv *Invoker) HandleToolCall(ctx context.Context, raw json.RawMessage) (any, error) {
	if !inv.Initialized() {
		return notInitializedResult(), nil
	}

	var req struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResult("INVALID_PARAMS", err.Error()), nil
	}

	if inv.supervisor == nil || !inv.supervisor.IsAvailable(req.Tool) {
		return errorResult("TOOL_UNAVAILABLE", fmt.Sprintf("tool %q is not available on a local provider", req.Tool)), nil
	}

	result, err := inv.supervisor.CallTool(ctx, req.Tool, req.Args)
	if err != nil {
		return errorResult("TOOL_ERROR", err.Error()), nil
	}
	return map[string]any{"status": "success", "result": result}, nil
}

// HandleWorkflowExecute implements connection.WorkflowExecutor. Each step's
// tool call goes through Invoke, so a workflow step proxies to the Control
// Plane if the tool isn't available locally — unlike a direct tool/call,
// which HandleToolCall only ever runs locally.
func (inv *Invoker) HandleWorkflowExecute(ctx context.Context, raw json.RawMessage) (any, error) {
	if !inv.Initialized() {
		return notInitializedResult(), nil
	}

	var req struct {
		Workflow    json.RawMessage `json:"workflow"`
		Inputs      map[string]any  `json:"inputs"`
		ExecutionID string          `json:"execution_id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResult("INVALID_PARAMS", err.Error()), nil
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	var def workflow.Definition
	if err := json.Unmarshal(req.Workflow, &def); err != nil {
		result := errorResult("WORKFLOW_INVALID", err.Error())
		result["execution_id"] = req.ExecutionID
		return result, nil
	}

	stepInvoker := workflow.InvokerFunc(func(ctx context.Context, tool string, args map[string]any) (any, error) {
		return inv.Invoke(ctx, tool, args, 0)
	})

	result := inv.engine.Execute(ctx, def, req.Inputs, stepInvoker)
	return map[string]any{
		"status":       result.Status,
		"execution_id": req.ExecutionID,
		"result": map[string]any{
			"status":          result.Status,
			"outputs":         result.Outputs,
			"duration_ms":     result.DurationMs,
			"steps_completed": result.StepsCompleted,
			"steps_total":     result.StepsTotal,
			"error":           result.Error,
		},
	}, nil
}

func errorResult(code, message string) map[string]any {
	return map[string]any{
		"status": "error",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

func notInitializedResult() map[string]any {
	return errorResult("EXECUTOR_NOT_INITIALIZED", "invoker has no local provider supervisor or control plane proxy configured")
}
