package wasmhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/wasmfilter/internal/filter"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/proxywasm"
)

func TestManagerReload(t *testing.T) {
	c := metrics.NewCollector()
	e := newTestEngine(t, WithNativeFactory(filter.NewRoot), WithMetrics(c))
	m := NewManager(context.Background(), e, nativePluginConfig())
	defer m.Close(context.Background())

	h := m.Middleware()(&upstream{})
	if got := serveOnce(t, h, http.MethodGet, "/", nil).Header().Get("X-Wasm-Custom"); got != "FOO" {
		t.Fatalf("before reload: x-wasm-custom = %q", got)
	}

	cfg := nativePluginConfig()
	cfg.Configuration = "header_value: BAR"
	if err := m.Reload(context.Background(), cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := serveOnce(t, h, http.MethodGet, "/", nil).Header().Get("X-Wasm-Custom"); got != "BAR" {
		t.Errorf("after reload: x-wasm-custom = %q", got)
	}
	if n := seriesCount(t, c, "wasmfilter_reloads_total"); n != 1 {
		t.Errorf("reload series = %d", n)
	}
}

func TestManagerFailedReloadKeepsActivePlugin(t *testing.T) {
	e := newTestEngine(t, WithNativeFactory(filter.NewRoot))
	m := NewManager(context.Background(), e, nativePluginConfig())
	defer m.Close(context.Background())
	before := m.Current()

	cfg := nativePluginConfig()
	cfg.Configuration = "header_name: \"not valid\""
	if err := m.Reload(context.Background(), cfg); err == nil {
		t.Fatal("expected reload error")
	}
	if m.Current() != before {
		t.Error("failed reload replaced the active plugin")
	}

	rec := serveOnce(t, m.Middleware()(&upstream{}), http.MethodGet, "/", nil)
	if rec.Header().Get("X-Wasm-Custom") != "FOO" {
		t.Errorf("x-wasm-custom = %q, want FOO", rec.Header().Get("X-Wasm-Custom"))
	}
}

// An exchange in flight during a reload finishes on the plugin it started
// with.
func TestManagerReloadDoesNotDisturbInflightExchange(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	// only the first exchange is held
	var held atomic.Bool

	factory := func(value string) proxywasm.RootFactory {
		return scripted(func(h proxywasm.Host) proxywasm.StreamContext {
			return &hookStream{host: h, respHeaders: func(h proxywasm.Host) proxywasm.Action {
				proxywasm.SetResponseHeader(h, "x-generation", value)
				return proxywasm.ActionContinue
			}}
		})
	}

	e := newTestEngine(t, WithNativeFactory(factory("one")))
	m := NewManager(context.Background(), e, nativePluginConfig())
	defer m.Close(context.Background())

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if held.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		w.Write([]byte("ok"))
	})
	h := m.Middleware()(slow)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- serveOnce(t, h, http.MethodGet, "/", nil)
	}()
	<-entered

	e.native = factory("two")
	if err := m.Reload(context.Background(), nativePluginConfig()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := serveOnce(t, h, http.MethodGet, "/", nil).Header().Get("X-Generation"); got != "two" {
		t.Errorf("new exchange generation = %q, want two", got)
	}

	close(release)
	select {
	case rec := <-done:
		if got := rec.Header().Get("X-Generation"); got != "one" {
			t.Errorf("in-flight exchange generation = %q, want one", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight exchange never finished")
	}
}
