package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads, validates, and caches the configuration file.
type Loader struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewLoader returns a loader seeded with DefaultConfig, so Get works before
// any file is loaded.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and decodes path, replacing the cached config on success.
func (l *Loader) Load(path string) error {
	cfg, err := LoadFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, empty before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// LoadFile decodes one config file over the defaults. Environment references
// are substituted before parsing; unknown keys are errors.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(substituteEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references. An unset
// variable without a default expands to the empty string.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[3]
	})
}

const defaultConfigYAML = `# gatewarden configuration

server:
  host: 127.0.0.1
  port: 7667
  log_level: info
  cors: false
  # auth_token: ${GATEWARDEN_TOKEN}

ledger:
  dir: ./ledger

archive:
  path: ./gatewarden.db

policy:
  path: ./policy.yaml
  watch: true

gates:
  # max_auto_risk: low
  webhook:
    url: ""
    secret: ""
    timeout: 10s

proxy:
  local_tools: false
  backends: []
  # backends:
  #   - name: files
  #     transport: stdio
  #     command: mcp-files
  #     args: ["--root", "/data"]
  #   - name: search
  #     transport: http
  #     endpoint: https://mcp.example.com/rpc

evolution:
  enabled: false
  prompt_timeout: 30s
`

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
