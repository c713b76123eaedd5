// Package configintake implements C5: it accepts config/push requests from
// the Control Plane, resolves and validates provider definitions, and hands
// the resolved set to the tool-provider supervisor as a full replacement.
package configintake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgerunner/runner/internal/obslog"
	"github.com/edgerunner/runner/internal/provider"
)

// Supervisor is the narrow surface Intake needs from C4 — injected rather
// than imported directly, matching the pattern used throughout the engine.
type Supervisor interface {
	Initialize(ctx context.Context, defs map[string]provider.Definition) error
}

// rawEntry mirrors one entry of config/push's mcps map exactly as it
// arrives over the wire.
type rawEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

type rawPush struct {
	MCPs map[string]rawEntry `json:"mcps"`
}

// pushResult is config/push's reply shape (spec §4.5 step 5).
type pushResult struct {
	Status       string `json:"status"`
	MCPsReceived int    `json:"mcps_received,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Intake implements connection.ConfigSink.
type Intake struct {
	supervisor Supervisor
	logger     *obslog.Logger
}

// New constructs an Intake wired to the given supervisor.
func New(supervisor Supervisor, logger *obslog.Logger) *Intake {
	if logger == nil {
		logger = obslog.NewDiscard()
	}
	return &Intake{supervisor: supervisor, logger: logger}
}

// HandleConfigPush implements connection.ConfigSink. It always returns a
// pushResult in the result position — a totally unparseable push still
// produces {status:"error", message}, not a JSON-RPC error object, per
// spec §4.5 step 5.
func (in *Intake) HandleConfigPush(ctx context.Context, raw json.RawMessage) (any, error) {
	var push rawPush
	if err := json.Unmarshal(raw, &push); err != nil {
		return pushResult{Status: "error", Message: fmt.Sprintf("malformed config/push payload: %v", err)}, nil
	}

	defs := make(map[string]provider.Definition, len(push.MCPs))
	for name, entry := range push.MCPs {
		def, err := in.resolve(name, entry)
		if err != nil {
			in.logger.Warn("configintake", "skipping mcp %q: %v", name, err)
			continue
		}
		defs[name] = def
	}

	if in.supervisor != nil {
		if err := in.supervisor.Initialize(ctx, defs); err != nil {
			return pushResult{Status: "error", Message: err.Error()}, nil
		}
	}

	return pushResult{Status: "ok", MCPsReceived: len(defs)}, nil
}

// resolve implements spec §4.5 steps 1-3 for a single entry: transport
// selection, env substitution, and validation.
func (in *Intake) resolve(name string, entry rawEntry) (provider.Definition, error) {
	hasURL := entry.URL != ""
	hasCommand := entry.Command != ""

	if hasURL && hasCommand {
		return provider.Definition{}, fmt.Errorf("both url and command configured")
	}
	if hasURL {
		return provider.Definition{URL: entry.URL}, nil
	}
	if !hasCommand {
		return provider.Definition{}, fmt.Errorf("stdio entry requires a non-empty command")
	}

	env := make(map[string]string, len(entry.Env))
	for k, v := range entry.Env {
		env[k] = substituteEnv(v, func(unset string) {
			in.logger.Warn("configintake", "mcp %q: unresolved env placeholder ${%s}", name, unset)
		})
	}

	return provider.Definition{Command: entry.Command, Args: entry.Args, Env: env}, nil
}
