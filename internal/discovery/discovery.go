// Package discovery seeds the provider supervisor with a best-effort
// provider set read from well-known local MCP config files, before the
// first config/push arrives from the Control Plane.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/edgerunner/runner/internal/obslog"
	"github.com/edgerunner/runner/internal/provider"
)

// mcpServerEntry mirrors the shape shared by Claude Desktop, VS Code, and
// Cursor's MCP config files.
type mcpServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
	Servers    map[string]mcpServerEntry `json:"servers"`
}

// searchPaths returns the well-known per-platform locations this runner
// checks for an existing MCP configuration, trimmed from the teacher's
// broader home-directory sweep down to the handful of fixed files that
// actually carry mcpServers/servers blocks.
func searchPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(".", ".vscode", "mcp.json"),
		filepath.Join(".", ".cursor", "mcp.json"),
		filepath.Join(".", ".mcp", "config.json"),
		filepath.Join(home, ".claude", "mcp.json"),
		filepath.Join(home, ".continue", "config.json"),
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"))
	case "linux":
		paths = append(paths, filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"))
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "Claude", "claude_desktop_config.json"))
		}
	}
	return paths
}

// DiscoverLocal scans the well-known config locations and returns whatever
// provider definitions it can parse. Missing or unreadable files are
// skipped silently and malformed ones with a warning; discovery never
// fails the caller.
func DiscoverLocal(logger *obslog.Logger) map[string]provider.Definition {
	if logger == nil {
		logger = obslog.NewDiscard()
	}

	found := make(map[string]provider.Definition)
	for _, path := range searchPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var cfg mcpConfigFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			logger.Warn("discovery", "skipping malformed config at %s: %v", path, err)
			continue
		}

		entries := cfg.MCPServers
		if len(entries) == 0 {
			entries = cfg.Servers
		}

		for name, entry := range entries {
			if _, exists := found[name]; exists {
				continue // first discovered location wins
			}
			if entry.URL != "" {
				found[name] = provider.Definition{URL: entry.URL}
				continue
			}
			if entry.Command == "" {
				continue
			}
			found[name] = provider.Definition{Command: entry.Command, Args: entry.Args, Env: entry.Env}
		}
	}
	return found
}
