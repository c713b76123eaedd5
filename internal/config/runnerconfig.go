// Package config loads and validates the immutable RunnerConfig this
// runner is constructed from, grounded on the teacher's GlobalConfig
// load/validate pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHeartbeatInterval, DefaultHealthCheckInterval, and the default
// reconnect backoff bounds match spec's duration fields when a config file
// omits them.
const (
	DefaultReconnectDelayInitial = time.Second
	DefaultReconnectDelayMax     = 30 * time.Second
	DefaultHeartbeatInterval     = 15 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	// DefaultProxyTimeout matches invoker.defaultProxyTimeout so a config
	// file that omits proxy_timeout gets the same default the invoker
	// would fall back to on its own.
	DefaultProxyTimeout = 60 * time.Second
)

// RunnerConfig is the immutable, constructed-once configuration spec.md
// §2 names: `{cp_url, auth_token, runner_name, reconnect_delay_initial,
// reconnect_delay_max, heartbeat_interval, health_check_interval}`, plus
// proxy_timeout for the Hybrid Invoker's tool/proxy round-trip (spec §4.6),
// a distinct knob from health_check_interval even though both default
// differently.
type RunnerConfig struct {
	CPURL                 string        `json:"cp_url" yaml:"cp_url"`
	AuthToken             string        `json:"auth_token" yaml:"auth_token"`
	RunnerName            string        `json:"runner_name" yaml:"runner_name"`
	ReconnectDelayInitial time.Duration `json:"reconnect_delay_initial" yaml:"reconnect_delay_initial"`
	ReconnectDelayMax     time.Duration `json:"reconnect_delay_max" yaml:"reconnect_delay_max"`
	HeartbeatInterval     time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HealthCheckInterval   time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	ProxyTimeout          time.Duration `json:"proxy_timeout" yaml:"proxy_timeout"`
}

// rawConfig mirrors RunnerConfig but with duration fields as strings, since
// neither encoding/json nor yaml.v3 parses "15s" into time.Duration on its
// own — the teacher's GlobalConfig never needed duration fields, so this is
// new code rather than an adapted pattern.
type rawConfig struct {
	CPURL                 string `json:"cp_url" yaml:"cp_url"`
	AuthToken             string `json:"auth_token" yaml:"auth_token"`
	RunnerName            string `json:"runner_name" yaml:"runner_name"`
	ReconnectDelayInitial string `json:"reconnect_delay_initial" yaml:"reconnect_delay_initial"`
	ReconnectDelayMax     string `json:"reconnect_delay_max" yaml:"reconnect_delay_max"`
	HeartbeatInterval     string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HealthCheckInterval   string `json:"health_check_interval" yaml:"health_check_interval"`
	ProxyTimeout          string `json:"proxy_timeout" yaml:"proxy_timeout"`
}

// LoadFromPath reads a RunnerConfig from a JSON or YAML file, chosen by
// extension the way the teacher's LoadConfigFromPath reads a single fixed
// format, generalized here to also accept the pack's YAML dependency.
// Applies defaults and validates before returning, mirroring
// LoadConfigFromPath's read-then-validate shape.
func LoadFromPath(path string) (*RunnerConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg, err := raw.resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (r rawConfig) resolve() (*RunnerConfig, error) {
	cfg := &RunnerConfig{
		CPURL:      r.CPURL,
		AuthToken:  r.AuthToken,
		RunnerName: r.RunnerName,
	}

	durations := []struct {
		raw    string
		def    time.Duration
		target *time.Duration
		field  string
	}{
		{r.ReconnectDelayInitial, DefaultReconnectDelayInitial, &cfg.ReconnectDelayInitial, "reconnect_delay_initial"},
		{r.ReconnectDelayMax, DefaultReconnectDelayMax, &cfg.ReconnectDelayMax, "reconnect_delay_max"},
		{r.HeartbeatInterval, DefaultHeartbeatInterval, &cfg.HeartbeatInterval, "heartbeat_interval"},
		{r.HealthCheckInterval, DefaultHealthCheckInterval, &cfg.HealthCheckInterval, "health_check_interval"},
		{r.ProxyTimeout, DefaultProxyTimeout, &cfg.ProxyTimeout, "proxy_timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.target = d.def
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.field, err)
		}
		*d.target = parsed
	}
	return cfg, nil
}

// Validate enforces spec's "all durations are positive" and the presence
// of the fields needed to dial and register with the Control Plane.
func (c *RunnerConfig) Validate() error {
	if c.CPURL == "" {
		return fmt.Errorf("cp_url is required")
	}
	if c.RunnerName == "" {
		return fmt.Errorf("runner_name is required")
	}
	durations := map[string]time.Duration{
		"reconnect_delay_initial": c.ReconnectDelayInitial,
		"reconnect_delay_max":     c.ReconnectDelayMax,
		"heartbeat_interval":      c.HeartbeatInterval,
		"health_check_interval":  c.HealthCheckInterval,
		"proxy_timeout":           c.ProxyTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReconnectDelayMax < c.ReconnectDelayInitial {
		return fmt.Errorf("reconnect_delay_max must be >= reconnect_delay_initial")
	}
	return nil
}

// DefaultConfigDir returns this runner's config directory, following the
// teacher's GetConfigDir shape (home-relative, per-product dotdir).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".edgerunner"), nil
}
