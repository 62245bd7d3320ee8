package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/wasmfilter/internal/config"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tracer := NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { tracer.Close() })
	return tracer, sr
}

func TestTracerMiddleware(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	var traceparent string
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusBadGateway)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/get", nil))

	// 00-{32hex}-{16hex}-01
	if len(traceparent) != 55 {
		t.Errorf("traceparent should be 55 chars, got %q", traceparent)
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID response header")
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /get" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("5xx should mark the span as error, got %v", spans[0].Status().Code)
	}
}

func TestTracerMiddlewarePropagation(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	const existing = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", existing)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id not continued: %s", got)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("traceparent") != "" {
			t.Error("disabled tracer should not add traceparent")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	var nilTracer *Tracer
	ctx, finish := nilTracer.CallbackSpan(context.Background(), "p", "proxy_on_vm_start", 1)
	finish("true", nil)
	if ctx != context.Background() {
		t.Error("nil tracer should return the same context")
	}
	if err := nilTracer.Close(); err != nil {
		t.Errorf("Close on nil tracer: %v", err)
	}
}

func TestCallbackSpan(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	_, finish := tracer.CallbackSpan(context.Background(), "custom-header", "proxy_on_response_headers", 2)
	finish("continue", nil)
	_, finish = tracer.CallbackSpan(context.Background(), "custom-header", "proxy_on_request_headers", 3)
	finish("", errors.New("wasm error: unreachable"))

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["wasm.plugin"] != "custom-header" || attrs["wasm.action"] != "continue" || attrs["wasm.context_id"] != "2" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if spans[1].Status().Code != codes.Error {
		t.Error("trap should mark the span as error")
	}
	if len(spans[1].Events()) == 0 {
		t.Error("trap should be recorded as an event")
	}
}
