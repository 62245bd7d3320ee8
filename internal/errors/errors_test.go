package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Message != "bad request" {
		t.Errorf("Message = %q, want %q", e.Message, "bad request")
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	if e.Code != 502 {
		t.Errorf("Code = %d, want 502", e.Code)
	}
	if e.Message != "upstream error" {
		t.Errorf("Message = %q, want %q", e.Message, "upstream error")
	}

	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 500, "wrapped")

	if e.Unwrap() != inner {
		t.Error("Unwrap should return the underlying error")
	}

	// errors.Is should work through the chain
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestUnwrapNil(t *testing.T) {
	e := New(404, "not found")
	if e.Unwrap() != nil {
		t.Error("Unwrap on a non-wrapped error should return nil")
	}
}

func TestWithDetails(t *testing.T) {
	e := New(400, "Bad Request").WithDetails("field 'name' is required")

	if e.Details != "field 'name' is required" {
		t.Errorf("Details = %q, want %q", e.Details, "field 'name' is required")
	}
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Message != "Bad Request" {
		t.Errorf("Message = %q, want %q", e.Message, "Bad Request")
	}
}

func TestWithRequestID(t *testing.T) {
	e := New(500, "Internal Server Error").WithRequestID("req-123")

	if e.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-123")
	}
	if e.Code != 500 {
		t.Errorf("Code = %d, want 500", e.Code)
	}
}

func TestWithDetailsAndRequestID(t *testing.T) {
	e := New(400, "Bad Request").
		WithDetails("missing field").
		WithRequestID("req-456")

	if e.Details != "missing field" {
		t.Errorf("Details = %q, want %q", e.Details, "missing field")
	}
	if e.RequestID != "req-456" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-456")
	}
}

func TestWithDetailsPreservesUnderlying(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 500, "wrapped").WithDetails("extra info")

	if e.Unwrap() != inner {
		t.Error("WithDetails should preserve underlying error")
	}
}

func TestWithRequestIDPreservesFields(t *testing.T) {
	e := New(400, "Bad Request").
		WithDetails("details here").
		WithRequestID("req-789")

	if e.Details != "details here" {
		t.Errorf("WithRequestID should preserve Details, got %q", e.Details)
	}
}

func TestAsFilterError(t *testing.T) {
	t.Run("FilterError", func(t *testing.T) {
		fe, ok := AsFilterError(New(404, "Not Found"))
		if !ok {
			t.Fatal("AsFilterError should return true for FilterError")
		}
		if fe.Code != 404 {
			t.Errorf("Code = %d, want 404", fe.Code)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("serving: %w", ErrFilterTimeout)
		fe, ok := AsFilterError(err)
		if !ok || fe.Code != http.StatusGatewayTimeout {
			t.Errorf("AsFilterError = %v, %v", fe, ok)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		if _, ok := AsFilterError(fmt.Errorf("regular error")); ok {
			t.Error("AsFilterError should return false for regular error")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if _, ok := AsFilterError(nil); ok {
			t.Error("AsFilterError should return false for nil")
		}
	})
}

func TestWithCause(t *testing.T) {
	inner := fmt.Errorf("wasm error: unreachable")
	e := ErrFilterFailure.WithDetails("trap").WithCause(inner)

	if !errors.Is(e, inner) {
		t.Error("WithCause should wrap the cause")
	}
	if e.Details != "trap" || e.Code != 500 {
		t.Errorf("WithCause lost fields: %+v", e)
	}
	if ErrFilterFailure.Unwrap() != nil {
		t.Error("WithCause mutated the singleton")
	}
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*FilterError{
		ErrNotFound, ErrBadGateway, ErrPluginUnavailable,
		ErrFilterTimeout, ErrFilterFailure,
	}

	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if int(body["code"].(float64)) != e.Code {
				t.Errorf("body code = %v, want %d", body["code"], e.Code)
			}
			if body["message"] != e.Message {
				t.Errorf("body message = %v, want %q", body["message"], e.Message)
			}
		})
	}
}

func TestWriteJSON_WithDetails(t *testing.T) {
	e := ErrFilterTimeout.WithDetails("proxy_on_response_headers exceeded 50ms").WithRequestID("req-abc")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", w.Code, http.StatusGatewayTimeout)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["details"] != "proxy_on_response_headers exceeded 50ms" {
		t.Errorf("body details = %v", body["details"])
	}
	if body["request_id"] != "req-abc" {
		t.Errorf("body request_id = %v, want %q", body["request_id"], "req-abc")
	}
}

func TestSingletonCodes(t *testing.T) {
	tests := []struct {
		err      *FilterError
		wantCode int
		wantMsg  string
	}{
		{ErrNotFound, 404, "Not Found"},
		{ErrBadGateway, 502, "Bad Gateway"},
		{ErrPluginUnavailable, 503, "Filter Unavailable"},
		{ErrFilterTimeout, 504, "Filter Timeout"},
		{ErrFilterFailure, 500, "Filter Failure"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.wantCode)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", tt.err.Message, tt.wantMsg)
			}
		})
	}
}

func TestPreSerializedCount(t *testing.T) {
	if len(preSerialized) != 5 {
		t.Errorf("preSerialized has %d entries, want 5", len(preSerialized))
	}
}

func TestErrorInterface(t *testing.T) {
	var _ error = New(500, "test")
	var _ error = Wrap(fmt.Errorf("inner"), 500, "test")
}
