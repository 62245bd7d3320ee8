// Package filter is the custom response header filter: a proxy-wasm root that
// validates its configuration and streams that set one response header.
package filter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"golang.org/x/net/http/httpguts"

	"github.com/wudi/wasmfilter/proxywasm"
)

const (
	DefaultHeaderName  = "x-wasm-custom"
	DefaultHeaderValue = "FOO"
)

// Config is the validated filter configuration. A Config is never mutated
// after ParseConfig returns it.
type Config struct {
	HeaderName  string `yaml:"header_name"`
	HeaderValue string `yaml:"header_value"`
	LogLevel    string `yaml:"log_level"`

	level proxywasm.LogLevel
}

// Level returns the guest log threshold.
func (c *Config) Level() proxywasm.LogLevel {
	return c.level
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		HeaderName:  DefaultHeaderName,
		HeaderValue: DefaultHeaderValue,
		LogLevel:    "info",
		level:       proxywasm.LogLevelInfo,
	}
}

// ParseConfig parses YAML (or JSON) configuration bytes. Empty input yields
// the defaults; unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("%w: %v", proxywasm.ErrConfiguration, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", proxywasm.ErrConfiguration, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.HeaderName = strings.ToLower(strings.TrimSpace(c.HeaderName))
	if c.HeaderName == "" {
		return fmt.Errorf("header_name is required")
	}
	if strings.HasPrefix(c.HeaderName, ":") || !httpguts.ValidHeaderFieldName(c.HeaderName) {
		return fmt.Errorf("header_name %q is not a valid header field name", c.HeaderName)
	}
	if !httpguts.ValidHeaderFieldValue(c.HeaderValue) {
		return fmt.Errorf("header_value for %s contains invalid characters", c.HeaderName)
	}
	level, ok := proxywasm.ParseLogLevel(c.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	c.level = level
	return nil
}
