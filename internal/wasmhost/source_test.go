package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wudi/wasmfilter/internal/config"
)

func testFetcher(t *testing.T) *fetcher {
	f := newFetcher()
	f.maxElapsed = 2 * time.Second
	f.logger = zaptest.NewLogger(t)
	return f
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestFetchRetriesServerErrors(t *testing.T) {
	module := []byte("\x00asm module bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(module)
	}))
	defer srv.Close()

	data, err := testFetcher(t).load(context.Background(), config.PluginConfig{
		Name:   "p",
		URL:    srv.URL + "/filter.wasm",
		SHA256: checksum(module),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != string(module) {
		t.Errorf("data = %q", data)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testFetcher(t).load(context.Background(), config.PluginConfig{
		Name:   "p",
		URL:    srv.URL + "/missing.wasm",
		SHA256: checksum(nil),
	})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	_, err := testFetcher(t).load(context.Background(), config.PluginConfig{
		Name:   "p",
		URL:    srv.URL,
		SHA256: checksum([]byte("expected")),
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestFetchSharedAcrossConcurrentLoads(t *testing.T) {
	module := []byte("shared module")
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write(module)
	}))
	defer srv.Close()

	f := testFetcher(t)
	cfg := config.PluginConfig{Name: "p", URL: srv.URL, SHA256: checksum(module)}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.load(context.Background(), cfg)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if n := hits.Load(); n > 2 {
		t.Errorf("module fetched %d times for concurrent loads", n)
	}
}

func TestVerifyChecksumCaseInsensitive(t *testing.T) {
	data := []byte("abc")
	sum := checksum(data)
	upper := []byte(sum)
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 32
		}
	}
	if err := verifyChecksum(data, string(upper)); err != nil {
		t.Errorf("upper-case checksum rejected: %v", err)
	}
}
