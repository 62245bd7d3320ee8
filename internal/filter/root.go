package filter

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/proxywasm"
)

// Root owns the validated configuration and manufactures streams.
type Root struct {
	id     proxywasm.ContextID
	host   proxywasm.Host
	config atomic.Pointer[Config]
	logger atomic.Pointer[zap.Logger]
	active atomic.Bool
}

// NewRoot is the proxywasm.RootFactory of the filter.
func NewRoot(id proxywasm.ContextID, host proxywasm.Host) proxywasm.RootContext {
	r := &Root{id: id, host: host}
	r.logger.Store(proxywasm.NewLogger(host, proxywasm.LogLevelInfo).With(zap.Uint32("root_id", uint32(id))))
	return r
}

func (r *Root) log() *zap.Logger {
	return r.logger.Load()
}

func (r *Root) OnVMStart(vmConfig []byte) bool {
	r.log().Debug("vm started", zap.Int("vm_config_size", len(vmConfig)))
	return true
}

// OnConfigure validates config and, on success, swaps it in as a whole.
// Streams created earlier keep the Config they captured.
func (r *Root) OnConfigure(config []byte) bool {
	cfg, err := ParseConfig(config)
	if err != nil {
		r.active.Store(false)
		r.log().Error("invalid filter configuration", zap.Error(err))
		return false
	}
	r.config.Store(cfg)
	r.logger.Store(proxywasm.NewLogger(r.host, cfg.Level()).With(zap.Uint32("root_id", uint32(r.id))))
	r.active.Store(true)
	r.log().Info("filter configured",
		zap.String("header_name", cfg.HeaderName),
		zap.String("header_value", cfg.HeaderValue))
	return true
}

func (r *Root) ContextType() proxywasm.ContextType {
	return proxywasm.ContextTypeHttp
}

// Config returns the configuration currently in effect, nil before the first
// successful OnConfigure.
func (r *Root) Config() *Config {
	return r.config.Load()
}

func (r *Root) NewStreamContext(id proxywasm.ContextID) (proxywasm.StreamContext, error) {
	cfg := r.config.Load()
	if !r.active.Load() || cfg == nil {
		return nil, proxywasm.ErrInactiveRoot
	}
	return &Stream{
		id:     id,
		host:   r.host,
		config: cfg,
		logger: r.log().With(zap.Uint32("context_id", uint32(id))),
	}, nil
}

func (r *Root) OnDone() bool {
	r.active.Store(false)
	r.log().Debug("root done")
	return true
}

var _ proxywasm.RootContext = (*Root)(nil)
