package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions([]byte(expanded), cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Upstream == "" {
		return fmt.Errorf("upstream is required")
	}
	u, err := url.Parse(cfg.Upstream)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream %q must be an absolute http(s) URL", cfg.Upstream)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0")
	}

	switch cfg.Wasm.RuntimeMode {
	case "compiler", "interpreter":
	default:
		return fmt.Errorf("invalid wasm runtime_mode: %s", cfg.Wasm.RuntimeMode)
	}
	if cfg.Wasm.MaxMemoryPages <= 0 || cfg.Wasm.MaxMemoryPages > 65536 {
		return fmt.Errorf("wasm max_memory_pages must be between 1 and 65536")
	}
	if cfg.Wasm.CompileCacheSize <= 0 {
		return fmt.Errorf("wasm compile_cache_size must be > 0")
	}

	return validatePlugin(&cfg.Plugin)
}

func validatePlugin(p *PluginConfig) error {
	if p.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}

	sources := 0
	for _, set := range []bool{p.Path != "", p.URL != "", p.Native} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("plugin %s: exactly one of path, url or native is required", p.Name)
	}
	if p.URL != "" && p.SHA256 == "" {
		return fmt.Errorf("plugin %s: sha256 is required with url", p.Name)
	}
	if p.SHA256 != "" {
		if b, err := hex.DecodeString(p.SHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("plugin %s: sha256 must be 64 hex characters", p.Name)
		}
	}

	if p.PoolSize <= 0 {
		return fmt.Errorf("plugin %s: pool_size must be > 0", p.Name)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("plugin %s: timeout must be > 0", p.Name)
	}
	if p.PauseTimeout <= 0 {
		return fmt.Errorf("plugin %s: pause_timeout must be > 0", p.Name)
	}
	if p.Breaker.MaxFailures == 0 {
		return fmt.Errorf("plugin %s: breaker max_failures must be > 0", p.Name)
	}
	return nil
}
