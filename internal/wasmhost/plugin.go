package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wudi/wasmfilter/internal/config"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/proxywasm"
)

// Plugin is one loaded generation of the configured plugin: a fixed set of
// VM instances, each with its own configured root context. A plugin that
// failed to load is still a valid Plugin; it serves every exchange through
// its failure policy.
type Plugin struct {
	name    string
	cfg     config.PluginConfig
	engine  *Engine
	wasm    []byte
	loadErr error

	slots   []atomic.Pointer[instance]
	next    atomic.Uint32
	nextID  atomic.Uint32
	replace sync.Mutex

	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
	logger  *zap.Logger
	metrics *metrics.Collector

	// drain bookkeeping, see acquire and retire
	mu       sync.RWMutex
	retired  bool
	inflight sync.WaitGroup
}

// NewPlugin loads cfg and brings up its instances. Load failures are not
// returned as errors: the plugin is returned in its failed state and
// LoadError reports why.
func (e *Engine) NewPlugin(ctx context.Context, cfg config.PluginConfig) *Plugin {
	p := &Plugin{
		name:    cfg.Name,
		cfg:     cfg,
		engine:  e,
		logger:  e.logger.With(zap.String("plugin", cfg.Name)),
		metrics: e.metrics,
	}
	p.nextID.Store(uint32(rootContextID))
	p.breaker = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		// A client that went away says nothing about the guest.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("plugin breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if p.metrics != nil {
				p.metrics.SetBreakerState(name, breakerMetric(to))
			}
		},
	})

	if err := p.load(ctx); err != nil {
		p.loadErr = err
		p.logger.Error("plugin failed to load",
			zap.Bool("fail_open", cfg.FailOpen),
			zap.Error(err))
		return p
	}
	p.logger.Info("plugin loaded",
		zap.Int("instances", len(p.slots)),
		zap.Bool("native", cfg.Native),
		zap.Bool("fail_open", cfg.FailOpen))
	return p
}

func breakerMetric(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	}
	return metrics.BreakerClosed
}

func (p *Plugin) load(ctx context.Context) error {
	if p.cfg.Native {
		if p.engine.native == nil {
			return fmt.Errorf("%w: no native filter is compiled into this host", ErrLoad)
		}
	} else {
		wasm, err := p.engine.fetcher.load(ctx, p.cfg)
		if err != nil {
			return err
		}
		p.wasm = wasm
	}

	size := p.cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	p.slots = make([]atomic.Pointer[instance], size)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.slots {
		g.Go(func() error {
			in, err := p.newInstance(gctx, i)
			if err != nil {
				return err
			}
			p.slots[i].Store(in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.closeInstances(context.Background())
		return err
	}
	return nil
}

// newInstance instantiates one VM and starts its root context.
func (p *Plugin) newInstance(ctx context.Context, slot int) (*instance, error) {
	in := &instance{
		slot:         slot,
		plugin:       p.name,
		timeout:      p.cfg.Timeout,
		vmConfig:     []byte(p.cfg.VMConfiguration),
		pluginConfig: []byte(p.cfg.Configuration),
		exchanges:    make(map[proxywasm.ContextID]*exchange),
		logger:       p.logger,
		logLimit:     rate.NewLimiter(guestLogRate, guestLogBurst),
		metrics:      p.metrics,
		tracer:       p.engine.tracer,
	}
	if in.timeout <= 0 {
		in.timeout = 50 * time.Millisecond
	}

	if p.cfg.Native {
		in.guest = newNativeGuest(in, p.engine.native)
	} else {
		compiled, err := p.engine.compile(ctx, p.wasm)
		if err != nil {
			return nil, err
		}
		mod, err := p.engine.runtime.InstantiateModule(ctx, compiled,
			wazero.NewModuleConfig().
				WithName("").
				WithStartFunctions("_initialize"))
		if err != nil {
			return nil, fmt.Errorf("%w: instantiate: %v", ErrLoad, err)
		}
		in.guest = &wazeroGuest{mod: mod}
		in.trapsBreak = true
	}

	if err := in.startRoot(ctx); err != nil {
		in.guest.close(ctx)
		return nil, fmt.Errorf("%w: instance %d: %v", ErrLoad, slot, err)
	}
	return in, nil
}

// pick returns the next instance round-robin, rebuilding a broken one first.
func (p *Plugin) pick(ctx context.Context) (*instance, error) {
	slot := int(p.next.Add(1)-1) % len(p.slots)
	in := p.slots[slot].Load()
	if in != nil && !in.broken.Load() {
		return in, nil
	}

	p.replace.Lock()
	defer p.replace.Unlock()
	if in = p.slots[slot].Load(); in != nil && !in.broken.Load() {
		return in, nil
	}
	fresh, err := p.newInstance(ctx, slot)
	if err != nil {
		return nil, err
	}
	p.slots[slot].Store(fresh)
	if in != nil {
		// Streams still pinned to the old instance fail on their next call.
		go in.close(context.Background())
	}
	if p.metrics != nil {
		p.metrics.RecordInstanceReplaced(p.name, "broken")
	}
	p.logger.Warn("replaced broken instance", zap.Int("slot", slot))
	return fresh, nil
}

// newStreamID hands out context ids unique across the plugin's instances.
func (p *Plugin) newStreamID() proxywasm.ContextID {
	for {
		id := proxywasm.ContextID(p.nextID.Add(1))
		if id > rootContextID {
			return id
		}
	}
}

// Name returns the configured plugin name.
func (p *Plugin) Name() string {
	return p.name
}

// LoadError reports why the plugin failed to load, or nil.
func (p *Plugin) LoadError() error {
	return p.loadErr
}

// acquire registers an in-flight exchange. It fails once the plugin has been
// retired by a reload.
func (p *Plugin) acquire() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.retired {
		return false
	}
	p.inflight.Add(1)
	return true
}

func (p *Plugin) release() {
	p.inflight.Done()
}

// retire stops new exchanges, waits for in-flight ones to finish and closes
// the instances.
func (p *Plugin) retire(ctx context.Context) {
	p.mu.Lock()
	p.retired = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("closing plugin with streams still in flight", zap.Error(ctx.Err()))
	}
	p.closeInstances(context.Background())
}

func (p *Plugin) closeInstances(ctx context.Context) {
	for i := range p.slots {
		if in := p.slots[i].Swap(nil); in != nil {
			if err := in.close(ctx); err != nil {
				p.logger.Debug("closing instance", zap.Int("slot", i), zap.Error(err))
			}
		}
	}
}
