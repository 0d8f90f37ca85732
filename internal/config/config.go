// Package config loads the gateway configuration file: nested yaml-tagged
// structs decoded strictly over DefaultConfig, with ${VAR} environment
// substitution. The file is optional; every command works from defaults.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
)

// Config is the top-level gatewarden configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Policy    PolicyConfig    `yaml:"policy"`
	Gates     GatesConfig     `yaml:"gates"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Evolution EvolutionConfig `yaml:"evolution"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	CORS     bool   `yaml:"cors"`
	// AuthToken, when set, requires Bearer auth on every API route except
	// /health and /ws/events.
	AuthToken string `yaml:"auth_token"`
}

// LedgerConfig locates the per-session evidence ledgers.
type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

// ArchiveConfig controls the terminated-session archive. An empty path
// disables archiving.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// PolicyConfig names the default policy the API creates sessions under when
// a request carries none. Watch re-loads the file on change.
type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// GatesConfig wires decision handlers into the gate manager.
type GatesConfig struct {
	// MaxAutoRisk auto-approves gates assessed at or below this risk level
	// (low, medium, high, critical). Empty registers no risk handler.
	MaxAutoRisk string            `yaml:"max_auto_risk"`
	Webhook     WebhookGateConfig `yaml:"webhook"`
}

// WebhookGateConfig is the endpoint gate requests in webhook approval mode
// are posted to. An empty URL leaves those gates pending for the API.
type WebhookGateConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProxyConfig describes the MCP backends the proxy multiplexes.
type ProxyConfig struct {
	// LocalTools exposes the built-in adapter registry as a backend
	// alongside the configured ones.
	LocalTools bool            `yaml:"local_tools"`
	Backends   []BackendConfig `yaml:"backends"`
}

// BackendConfig describes one upstream MCP server. Transport selects which
// of the remaining fields apply: stdio spawns Command with Args and Env,
// http posts to Endpoint.
type BackendConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Endpoint  string            `yaml:"endpoint"`
}

// EnvList flattens Env into KEY=VALUE pairs in sorted order for exec.Cmd.
func (b BackendConfig) EnvList() []string {
	if len(b.Env) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(b.Env))
	for k, v := range b.Env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// EvolutionConfig controls denial-driven policy evolution.
type EvolutionConfig struct {
	Enabled bool `yaml:"enabled"`
	// PolicyPath is where approved add-to-policy changes persist. Empty
	// falls back to Policy.Path.
	PolicyPath    string        `yaml:"policy_path"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     7667,
			LogLevel: "info",
		},
		Ledger:  LedgerConfig{Dir: "./ledger"},
		Archive: ArchiveConfig{Path: "./gatewarden.db"},
		Policy:  PolicyConfig{Watch: true},
		Gates: GatesConfig{
			Webhook: WebhookGateConfig{Timeout: 10 * time.Second},
		},
		Evolution: EvolutionConfig{
			PromptTimeout: 30 * time.Second,
		},
	}
}

// Validate checks cross-field consistency and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	switch c.Gates.MaxAutoRisk {
	case "", policy.RiskLow, policy.RiskMedium, policy.RiskHigh, policy.RiskCritical:
	default:
		problems = append(problems, fmt.Sprintf("gates.max_auto_risk %q is not a risk level", c.Gates.MaxAutoRisk))
	}

	seen := make(map[string]bool)
	for i, b := range c.Proxy.Backends {
		where := fmt.Sprintf("proxy.backends[%d]", i)
		if b.Name == "" {
			problems = append(problems, where+": name is required")
		} else if seen[b.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate name %q", where, b.Name))
		}
		seen[b.Name] = true
		switch b.Transport {
		case "stdio":
			if b.Command == "" {
				problems = append(problems, where+": stdio transport requires command")
			}
		case "http":
			if b.Endpoint == "" {
				problems = append(problems, where+": http transport requires endpoint")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown transport %q (stdio or http)", where, b.Transport))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
