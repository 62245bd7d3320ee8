package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRecoveryWithConfig(t *testing.T) {
	var loggedErr interface{}
	var loggedStack []byte
	var loggedPath string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic")
	})

	cfg := RecoveryConfig{
		PrintStack: true,
		LogFunc: func(r *http.Request, err interface{}, stack []byte) {
			loggedErr = err
			loggedStack = stack
			loggedPath = r.URL.Path
		},
	}

	RecoveryWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/boom", nil))

	if loggedErr != "custom panic" {
		t.Errorf("Expected 'custom panic', got %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("Expected stack trace to be captured")
	}
	if loggedPath != "/boom" {
		t.Errorf("Expected path /boom, got %q", loggedPath)
	}
}

func TestRecoveryWithoutStack(t *testing.T) {
	var loggedStack []byte
	cfg := RecoveryConfig{
		LogFunc: func(r *http.Request, err interface{}, stack []byte) {
			loggedStack = stack
		},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("no stack")
	})

	RecoveryWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if loggedStack != nil {
		t.Error("Expected no stack trace")
	}
}

func TestRecoveryNoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Errorf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
}

func TestRecoveryRethrowsAbortHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", r)
		}
	}()
	RecoveryWithConfig(RecoveryConfig{})(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestRecoveryIncludesRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("with id")
	})
	final := NewChain(RequestID(), RecoveryWithConfig(RecoveryConfig{})).Then(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", body["request_id"])
	}
	if body["details"] != "panic: with id" {
		t.Errorf("details = %v", body["details"])
	}
}
