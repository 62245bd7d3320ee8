package wasmhost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/wudi/wasmfilter/internal/config"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/proxywasm"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := NewEngine(context.Background(), config.WasmConfig{
		RuntimeMode:      "interpreter",
		MaxMemoryPages:   16,
		CompileCacheSize: 4,
	}, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func nativePluginConfig() config.PluginConfig {
	return config.PluginConfig{
		Name:         "custom-header",
		Native:       true,
		PoolSize:     2,
		Timeout:      time.Second,
		PauseTimeout: 100 * time.Millisecond,
		Breaker: config.BreakerConfig{
			MaxFailures: 100,
			OpenTimeout: time.Minute,
		},
	}
}

// upstream answers every request with 200 "hello" and counts its calls. The
// last request seen is kept for assertions.
type upstream struct {
	calls atomic.Int32
	last  atomic.Pointer[http.Request]
	body  atomic.Pointer[[]byte]
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)
	b, _ := io.ReadAll(r.Body)
	u.body.Store(&b)
	u.last.Store(r)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "hello")
}

func serveOnce(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Host = "www.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// scriptedRoot is a test root whose streams run caller-supplied hooks.
type scriptedRoot struct {
	proxywasm.DefaultRootContext
	host   proxywasm.Host
	stream func(host proxywasm.Host) proxywasm.StreamContext
}

func (r *scriptedRoot) ContextType() proxywasm.ContextType {
	return proxywasm.ContextTypeHttp
}

func (r *scriptedRoot) NewStreamContext(proxywasm.ContextID) (proxywasm.StreamContext, error) {
	return r.stream(r.host), nil
}

func scripted(stream func(host proxywasm.Host) proxywasm.StreamContext) proxywasm.RootFactory {
	return func(_ proxywasm.ContextID, host proxywasm.Host) proxywasm.RootContext {
		return &scriptedRoot{host: host, stream: stream}
	}
}

// hookStream runs whichever hooks are set and continues otherwise.
type hookStream struct {
	proxywasm.DefaultStreamContext
	host        proxywasm.Host
	reqHeaders  func(h proxywasm.Host) proxywasm.Action
	reqBody     func(h proxywasm.Host) proxywasm.Action
	respHeaders func(h proxywasm.Host) proxywasm.Action
}

func (s *hookStream) OnRequestHeaders(int, bool) proxywasm.Action {
	if s.reqHeaders != nil {
		return s.reqHeaders(s.host)
	}
	return proxywasm.ActionContinue
}

func (s *hookStream) OnRequestBody(int, bool) proxywasm.Action {
	if s.reqBody != nil {
		return s.reqBody(s.host)
	}
	return proxywasm.ActionContinue
}

func (s *hookStream) OnResponseHeaders(int, bool) proxywasm.Action {
	if s.respHeaders != nil {
		return s.respHeaders(s.host)
	}
	return proxywasm.ActionContinue
}

func newPlugin(t *testing.T, cfg config.PluginConfig, opts ...EngineOption) (*Plugin, *metrics.Collector) {
	t.Helper()
	m := metrics.NewCollector()
	e := newTestEngine(t, append(opts, WithMetrics(m))...)
	p := e.NewPlugin(context.Background(), cfg)
	t.Cleanup(func() { p.retire(context.Background()) })
	return p, m
}

// seriesCount returns how many series of metric name c has collected.
func seriesCount(t *testing.T, c *metrics.Collector, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(c.Registry(), name)
	if err != nil {
		t.Fatalf("gather %s: %v", name, err)
	}
	return n
}
