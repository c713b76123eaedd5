package provider

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session wraps one live connection to a tool provider: the MCP client
// session plus its cached tool list. Generalized from the teacher's
// DownstreamConnection, which paired one mcp.ClientSession with one
// config-file-defined MCP server; here the pairing is with a
// Definition built from whatever ProviderDefinition C5 resolved.
type Session struct {
	name string
	def  Definition

	mu      sync.RWMutex
	client  *mcp.Client
	session *mcp.ClientSession
	tools   []string
}

// NewSession creates an unconnected session wrapper.
func NewSession(name string, def Definition) *Session {
	return &Session{name: name, def: def}
}

// Connect opens the transport, performs the MCP handshake, and discovers
// the provider's tool list.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = mcp.NewClient(&mcp.Implementation{
		Name:    s.name,
		Version: "1.0.0",
	}, nil)

	tr, err := s.buildTransport()
	if err != nil {
		return fmt.Errorf("provider %s: build transport: %w", s.name, err)
	}

	session, err := s.client.Connect(ctx, tr, nil)
	if err != nil {
		return fmt.Errorf("provider %s: connect: %w", s.name, err)
	}
	s.session = session

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		s.session = nil
		return fmt.Errorf("provider %s: list tools: %w", s.name, err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	s.tools = names
	return nil
}

func (s *Session) buildTransport() (mcp.Transport, error) {
	if s.def.IsHTTP() {
		return &mcp.StreamableClientTransport{Endpoint: s.def.URL}, nil
	}

	if s.def.Command == "" {
		return nil, fmt.Errorf("no command or url configured")
	}
	cmd := exec.Command(s.def.Command, s.def.Args...)
	for k, v := range s.def.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// CallTool forwards a call to the provider's session.
func (s *Session) CallTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	if session == nil {
		return nil, fmt.Errorf("provider %s: not connected", s.name)
	}
	return session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
}

// Tools returns the cached tool-name list (nil if never connected).
func (s *Session) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// Close terminates the session. Idempotent; safe on an unconnected session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	return nil
}
