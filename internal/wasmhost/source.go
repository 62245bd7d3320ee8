package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/wasmfilter/internal/config"
)

// maxModuleSize bounds a fetched module.
const maxModuleSize = 64 << 20

// fetcher loads module bytes from disk or over HTTP. Concurrent fetches of
// the same module share one download.
type fetcher struct {
	client     *http.Client
	group      singleflight.Group
	maxElapsed time.Duration
	logger     *zap.Logger
}

func newFetcher() *fetcher {
	return &fetcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxElapsed: time.Minute,
	}
}

// load returns the module bytes for cfg, verified against cfg.SHA256 when
// one is configured.
func (f *fetcher) load(ctx context.Context, cfg config.PluginConfig) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case cfg.Path != "":
		data, err = os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}
	case cfg.URL != "":
		v, err, _ := f.group.Do(cfg.URL+"@"+cfg.SHA256, func() (interface{}, error) {
			return f.download(ctx, cfg.URL)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: fetching %s: %v", ErrLoad, cfg.URL, err)
		}
		data = v.([]byte)
	default:
		return nil, fmt.Errorf("%w: plugin %s has no module source", ErrLoad, cfg.Name)
	}

	if cfg.SHA256 != "" {
		if err := verifyChecksum(data, cfg.SHA256); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoad, err)
		}
	}
	return data, nil
}

func verifyChecksum(data []byte, want string) error {
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// download retries transient failures with exponential backoff. Client
// errors (4xx) are not retried.
func (f *fetcher) download(ctx context.Context, url string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = f.maxElapsed

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleSize+1))
		if err != nil {
			return err
		}
		if len(b) > maxModuleSize {
			return backoff.Permanent(fmt.Errorf("module larger than %d bytes", maxModuleSize))
		}
		body = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if f.logger != nil {
			f.logger.Warn("module fetch failed, retrying",
				zap.String("url", url),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}
