package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/internal/config"
	"github.com/wudi/wasmfilter/internal/logging"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/internal/tracing"
	"github.com/wudi/wasmfilter/proxywasm"
)

// Engine owns the shared wazero runtime, the compiled module cache and the
// module fetcher. Plugins built from one engine share all three.
type Engine struct {
	runtime wazero.Runtime
	modules *lru.Cache[string, wazero.CompiledModule]
	fetcher *fetcher
	native  proxywasm.RootFactory

	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNativeFactory sets the root factory used by plugins configured with
// native: true.
func WithNativeFactory(f proxywasm.RootFactory) EngineOption {
	return func(e *Engine) { e.native = f }
}

// WithMetrics records host metrics into c.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer records a span per guest callback.
func WithTracer(t *tracing.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the engine logger. Guest log lines are written to it too.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient sets the client used to fetch modules by URL.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.fetcher.client = c }
}

// NewEngine creates the runtime, instantiates WASI and the proxy-wasm "env"
// host module.
func NewEngine(ctx context.Context, cfg config.WasmConfig, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		fetcher: newFetcher(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Global()
	}
	e.fetcher.logger = e.logger

	var rtCfg wazero.RuntimeConfig
	if cfg.RuntimeMode == "interpreter" {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages <= 0 {
		maxPages = 256 // 16MB
	}
	// Closing on context done is what turns the callback timeout into an
	// interrupt of a running guest.
	rtCfg = rtCfg.WithMemoryLimitPages(uint32(maxPages)).WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}
	if _, err := registerHostFunctions(rt).Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiating env host module: %w", err)
	}

	size := cfg.CompileCacheSize
	if size <= 0 {
		size = 16
	}
	cache, err := lru.NewWithEvict[string, wazero.CompiledModule](size, func(_ string, m wazero.CompiledModule) {
		m.Close(context.Background())
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	e.runtime = rt
	e.modules = cache
	return e, nil
}

// compile returns the compiled form of wasm, reusing a cached compilation of
// identical bytes.
func (e *Engine) compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(wasm)
	key := hex.EncodeToString(sum[:])
	if m, ok := e.modules.Get(key); ok {
		e.recordCache(true)
		return m, nil
	}
	e.recordCache(false)

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrLoad, err)
	}
	if _, ok := compiled.ExportedFunctions()[exportABIVersion]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrLoad, ErrABIVersion)
	}
	e.modules.Add(key, compiled)
	return compiled, nil
}

func (e *Engine) recordCache(hit bool) {
	if e.metrics != nil {
		e.metrics.RecordModuleCache(hit)
	}
}

// Close releases the runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	e.modules.Purge()
	return e.runtime.Close(ctx)
}
