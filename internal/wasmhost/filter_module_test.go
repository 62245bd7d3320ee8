package wasmhost

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// buildFilterModule compiles cmd/filter for wasip1 and returns the module
// path. It needs a Go toolchain and takes a while, so -short skips it.
func buildFilterModule(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("building the wasip1 filter module is slow")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not available")
	}

	out := filepath.Join(t.TempDir(), "filter.wasm")
	cmd := exec.Command(goBin, "build", "-buildmode=c-shared", "-o", out, "./cmd/filter")
	cmd.Dir = filepath.Join("..", "..")
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm")
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building filter module: %v\n%s", err, b)
	}
	return out
}

// The real guest exercises the ABI binding end to end: configure reads the
// plugin configuration through proxy_get_buffer_bytes, which allocates in
// guest memory through proxy_on_memory_allocate.
func TestFilterModule(t *testing.T) {
	path := buildFilterModule(t)

	tests := []struct {
		name          string
		configuration string
		want          string
	}{
		{name: "default value", want: "FOO"},
		{name: "configured value", configuration: "header_value: BAR\n", want: "BAR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := nativePluginConfig()
			cfg.Native = false
			cfg.Path = path
			cfg.PoolSize = 1
			cfg.Timeout = 30 * time.Second
			cfg.Configuration = tt.configuration

			p, _ := newPlugin(t, cfg)
			if err := p.LoadError(); err != nil {
				t.Fatalf("load: %v", err)
			}
			h := p.Middleware()(&upstream{})
			for i := 0; i < 5; i++ {
				rec := serveOnce(t, h, http.MethodGet, "/get", nil)
				if rec.Code != http.StatusOK {
					t.Fatalf("request %d: status = %d", i, rec.Code)
				}
				if got := rec.Header().Values("X-Wasm-Custom"); len(got) != 1 || got[0] != tt.want {
					t.Errorf("request %d: x-wasm-custom = %v, want [%s]", i, got, tt.want)
				}
			}
		})
	}
}
