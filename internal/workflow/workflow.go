// Package workflow is the minimal sequential execution engine the Hybrid
// Invoker wires into its tool-invocation path. It is scaffolding for C6,
// not a competing spec component: templating, step-graph evaluation, and
// sandboxing are explicitly out of scope of the connection/dispatch core
// this repository implements, but the invoker still needs something to
// call when the Control Plane sends workflow/execute.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Step is one named tool invocation within a Definition.
type Step struct {
	Name string         `json:"name,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Definition is an ordered list of steps, run one at a time.
type Definition struct {
	Steps []Step `json:"steps"`
}

// StepInvoker is what the engine calls for every step's tool. The Hybrid
// Invoker satisfies this by routing through its own Invoke method, so a
// workflow step whose tool is not available locally is proxied to the
// Control Plane (a direct tool/call, by contrast, only runs locally).
type StepInvoker interface {
	InvokeStep(ctx context.Context, tool string, args map[string]any) (any, error)
}

// InvokerFunc adapts a function to StepInvoker.
type InvokerFunc func(ctx context.Context, tool string, args map[string]any) (any, error)

func (f InvokerFunc) InvokeStep(ctx context.Context, tool string, args map[string]any) (any, error) {
	return f(ctx, tool, args)
}

// Result mirrors the result object spec.md requires workflow/execute to
// return.
type Result struct {
	Status         string         `json:"status"`
	Outputs        map[string]any `json:"outputs"`
	DurationMs     int64          `json:"duration_ms"`
	StepsCompleted int            `json:"steps_completed"`
	StepsTotal     int            `json:"steps_total"`
	Error          string         `json:"error,omitempty"`
}

// Engine runs a Definition's steps sequentially against a StepInvoker,
// templating `${step.N.output}` and `${input.NAME}` references in string
// args the way chain.go threads a modified payload from one processor to
// the next.
type Engine struct{}

// New constructs an Engine. It holds no state between runs.
func New() *Engine {
	return &Engine{}
}

var templateRef = regexp.MustCompile(`\$\{(step\.\d+\.output|input\.[A-Za-z_][A-Za-z0-9_]*)\}`)

// Execute runs def's steps in order, stopping at the first failing step.
// The chain-level status is derived from that first failure, matching the
// teacher's processor.Chain behavior generalized from MCP payload
// processors to workflow tool-call steps.
func (e *Engine) Execute(ctx context.Context, def Definition, inputs map[string]any, invoker StepInvoker) Result {
	start := time.Now()
	outputs := make(map[string]any, len(def.Steps))
	stepOutputs := make([]any, len(def.Steps))

	for i, step := range def.Steps {
		args := e.resolveArgs(step.Args, inputs, stepOutputs[:i])

		out, err := invoker.InvokeStep(ctx, step.Tool, args)
		if err != nil {
			return Result{
				Status:         "failed",
				Outputs:        outputs,
				DurationMs:     time.Since(start).Milliseconds(),
				StepsCompleted: i,
				StepsTotal:     len(def.Steps),
				Error:          fmt.Sprintf("step %d (%s): %v", i, step.Tool, err),
			}
		}

		stepOutputs[i] = out
		key := step.Name
		if key == "" {
			key = fmt.Sprintf("step.%d", i)
		}
		outputs[key] = out
	}

	return Result{
		Status:         "success",
		Outputs:        outputs,
		DurationMs:     time.Since(start).Milliseconds(),
		StepsCompleted: len(def.Steps),
		StepsTotal:     len(def.Steps),
	}
}

// resolveArgs substitutes ${step.N.output} and ${input.NAME} references
// found in string-typed args. Non-string values pass through unmodified;
// this is a minimal scaffold, not a general templating language.
func (e *Engine) resolveArgs(args map[string]any, inputs map[string]any, priorOutputs []any) map[string]any {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		resolved[k] = templateRef.ReplaceAllStringFunc(s, func(ref string) string {
			inner := ref[2 : len(ref)-1]
			switch {
			case strings.HasPrefix(inner, "step."):
				var idx int
				if _, err := fmt.Sscanf(inner, "step.%d.output", &idx); err == nil && idx >= 0 && idx < len(priorOutputs) {
					return fmt.Sprintf("%v", priorOutputs[idx])
				}
				return ref
			case strings.HasPrefix(inner, "input."):
				name := strings.TrimPrefix(inner, "input.")
				if val, ok := inputs[name]; ok {
					return fmt.Sprintf("%v", val)
				}
				return ref
			default:
				return ref
			}
		})
	}
	return resolved
}
