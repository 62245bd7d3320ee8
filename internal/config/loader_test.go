package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen: ":9090"
upstream: http://127.0.0.1:8000
plugin:
  name: custom-header
  path: ./filter.wasm
  configuration: "header_value: BAR"
  fail_open: true
  timeout: 20ms
  pause_timeout: 1s
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected listen :9090, got %s", cfg.Listen)
	}
	if cfg.Plugin.Timeout != 20*time.Millisecond {
		t.Errorf("expected timeout 20ms, got %v", cfg.Plugin.Timeout)
	}
	if cfg.Plugin.PauseTimeout != time.Second {
		t.Errorf("expected pause_timeout 1s, got %v", cfg.Plugin.PauseTimeout)
	}
	if !cfg.Plugin.FailOpen {
		t.Error("expected fail_open")
	}
	if cfg.Plugin.Configuration != "header_value: BAR" {
		t.Errorf("configuration = %q", cfg.Plugin.Configuration)
	}

	// defaults survive
	if cfg.Plugin.PoolSize != 4 {
		t.Errorf("expected default pool_size 4, got %d", cfg.Plugin.PoolSize)
	}
	if cfg.Wasm.RuntimeMode != "compiler" {
		t.Errorf("expected default runtime_mode compiler, got %s", cfg.Wasm.RuntimeMode)
	}
	if cfg.Plugin.Breaker.MaxFailures != 5 {
		t.Errorf("expected default breaker max_failures 5, got %d", cfg.Plugin.Breaker.MaxFailures)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_UPSTREAM", "http://backend:9000")

	yaml := `
upstream: ${TEST_UPSTREAM}
plugin:
  name: p
  native: true
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Upstream != "http://backend:9000" {
		t.Errorf("expected upstream from env, got %s", cfg.Upstream)
	}
}

func TestLoaderValidation(t *testing.T) {
	const sum = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid native",
			yaml: "upstream: http://a:1\nplugin: {name: p, native: true}\n",
		},
		{
			name: "valid url",
			yaml: "upstream: http://a:1\nplugin: {name: p, url: \"http://m/f.wasm\", sha256: " + sum + "}\n",
		},
		{
			name:    "missing upstream",
			yaml:    "plugin: {name: p, native: true}\n",
			wantErr: "upstream is required",
		},
		{
			name:    "relative upstream",
			yaml:    "upstream: backend:80\nplugin: {name: p, native: true}\n",
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "no source",
			yaml:    "upstream: http://a:1\nplugin: {name: p}\n",
			wantErr: "exactly one of",
		},
		{
			name:    "two sources",
			yaml:    "upstream: http://a:1\nplugin: {name: p, path: a.wasm, native: true}\n",
			wantErr: "exactly one of",
		},
		{
			name:    "url without checksum",
			yaml:    "upstream: http://a:1\nplugin: {name: p, url: \"http://m/f.wasm\"}\n",
			wantErr: "sha256 is required",
		},
		{
			name:    "bad checksum",
			yaml:    "upstream: http://a:1\nplugin: {name: p, path: a.wasm, sha256: abc}\n",
			wantErr: "64 hex",
		},
		{
			name:    "bad runtime mode",
			yaml:    "upstream: http://a:1\nwasm: {runtime_mode: jit}\nplugin: {name: p, native: true}\n",
			wantErr: "runtime_mode",
		},
		{
			name:    "bad log level",
			yaml:    "upstream: http://a:1\nlogging: {level: loud}\nplugin: {name: p, native: true}\n",
			wantErr: "logging level",
		},
		{
			name:    "unknown field",
			yaml:    "upstream: http://a:1\nupstreams: []\nplugin: {name: p, native: true}\n",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
