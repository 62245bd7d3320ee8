package wasmhost

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/internal/config"
	"github.com/wudi/wasmfilter/internal/middleware"
)

// drainTimeout bounds how long a retired plugin waits for its streams.
const drainTimeout = 30 * time.Second

// Manager owns the active plugin and swaps it on reload. Exchanges already
// running keep the plugin they started with; a reload never touches them.
type Manager struct {
	engine  *Engine
	current atomic.Pointer[Plugin]
	mu      sync.Mutex // serializes reloads
	logger  *zap.Logger
	retired sync.WaitGroup
}

// NewManager loads cfg as the first plugin generation. Like NewPlugin it only
// fails softly: a plugin that cannot load serves through its failure policy.
func NewManager(ctx context.Context, engine *Engine, cfg config.PluginConfig) *Manager {
	m := &Manager{
		engine: engine,
		logger: engine.logger,
	}
	m.current.Store(engine.NewPlugin(ctx, cfg))
	return m
}

// Current returns the active plugin.
func (m *Manager) Current() *Plugin {
	return m.current.Load()
}

// Reload loads cfg as a new plugin generation and swaps it in. When the new
// generation fails to load the active one stays in place and the error is
// returned. The replaced generation drains in the background.
func (m *Manager) Reload(ctx context.Context, cfg config.PluginConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.engine.NewPlugin(ctx, cfg)
	if err := next.LoadError(); err != nil {
		m.recordReload(cfg.Name, false)
		m.logger.Error("plugin reload failed, keeping active plugin",
			zap.String("plugin", cfg.Name),
			zap.Error(err))
		return err
	}

	old := m.current.Swap(next)
	m.recordReload(cfg.Name, true)
	m.logger.Info("plugin reloaded", zap.String("plugin", cfg.Name))

	if old != nil {
		m.retired.Add(1)
		go func() {
			defer m.retired.Done()
			rctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			old.retire(rctx)
		}()
	}
	return nil
}

func (m *Manager) recordReload(name string, ok bool) {
	if m.engine.metrics != nil {
		m.engine.metrics.RecordReload(name, ok)
	}
}

// Middleware routes each exchange to the plugin active when it arrived.
func (m *Manager) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := m.acquire()
			defer p.release()
			p.serve(w, r, next)
		})
	}
}

// acquire pins the active plugin. A reload may retire it between the load
// and the pin; the loop then picks up its successor.
func (m *Manager) acquire() *Plugin {
	for {
		p := m.current.Load()
		if p.acquire() {
			return p
		}
	}
}

// Close retires the active plugin and waits for earlier generations.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	p := m.current.Load()
	m.mu.Unlock()

	if p != nil {
		p.retire(ctx)
	}
	done := make(chan struct{})
	go func() {
		m.retired.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
