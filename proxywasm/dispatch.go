package proxywasm

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher is the single entry point the host uses to enter the guest. It
// resolves context ids through its Registry, enforces the stream lifecycle and
// converts context results into ABI values. It holds no business state.
type Dispatcher struct {
	host          Host
	newRoot       RootFactory
	registry      *Registry
	logger        *zap.Logger
	containPanics bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for runtime diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithContainedPanics makes the dispatcher swallow panics raised by stream
// callbacks after detaching the stream, instead of re-raising them so the
// sandbox traps. It is meant for emulators and embedders that drive the
// guest in-process without a trap boundary of their own. The wasip1 binding
// and internal/wasmhost leave it off: there a panic must reach the host as a
// trap so the failure policy applies.
func WithContainedPanics(contain bool) Option {
	return func(d *Dispatcher) {
		d.containPanics = contain
	}
}

// NewDispatcher returns a dispatcher that builds roots with newRoot and talks
// to the proxy through host.
func NewDispatcher(host Host, newRoot RootFactory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		host:     host,
		newRoot:  newRoot,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = NewLogger(host, LogLevelInfo)
	}
	return d
}

// Registry exposes the dispatcher's context table.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// OnContextCreate registers a new context. A zero parent creates a root;
// otherwise the parent root manufactures a stream context.
func (d *Dispatcher) OnContextCreate(id, parent ContextID) error {
	if parent == 0 {
		return d.createRoot(id)
	}
	return d.createStream(id, parent)
}

func (d *Dispatcher) createRoot(id ContextID) error {
	if d.newRoot == nil {
		err := fmt.Errorf("%w: no root factory installed", ErrConfiguration)
		d.logger.Error("root context not created", zap.Uint32("context_id", uint32(id)), zap.Error(err))
		return err
	}
	if d.registry.live(id) {
		err := fmt.Errorf("%w: %d", ErrDuplicateID, id)
		d.logger.Error("root context not created", zap.Uint32("context_id", uint32(id)), zap.Error(err))
		return err
	}
	if err := d.registry.RegisterRoot(id, d.newRoot(id, d.host)); err != nil {
		d.logger.Error("root context not created", zap.Uint32("context_id", uint32(id)), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) createStream(id, parent ContextID) (err error) {
	fields := []zap.Field{zap.Uint32("context_id", uint32(id)), zap.Uint32("root_id", uint32(parent))}
	defer func() {
		if err != nil {
			d.logger.Error("stream context not created", append(fields, zap.Error(err))...)
		}
	}()

	re, err := d.registry.root(parent)
	if err != nil {
		return err
	}
	if !re.active {
		return ErrInactiveRoot
	}
	if t := re.ctx.ContextType(); t != ContextTypeHttp {
		return fmt.Errorf("%w: root declares context type %s", ErrInactiveRoot, t)
	}
	if d.registry.live(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	stream, err := d.newStream(re.ctx, id)
	if err != nil {
		return err
	}
	if stream == nil {
		return fmt.Errorf("%w: root returned no stream context", ErrInactiveRoot)
	}
	return d.registry.RegisterStream(id, parent, stream)
}

func (d *Dispatcher) newStream(root RootContext, id ContextID) (StreamContext, error) {
	defer d.contain(id, "new_stream_context")
	return root.NewStreamContext(id)
}

// OnVMStart hands the VM configuration to the root.
func (d *Dispatcher) OnVMStart(rootID ContextID, vmConfigSize int) bool {
	re, err := d.registry.root(rootID)
	if err != nil {
		d.logger.Error("vm start for unknown root", zap.Uint32("context_id", uint32(rootID)), zap.Error(err))
		return false
	}
	data, err := d.readBuffer(BufferTypeVMConfiguration, vmConfigSize)
	if err != nil {
		d.logger.Error("reading vm configuration", zap.Uint32("context_id", uint32(rootID)), zap.Error(err))
		return false
	}
	ok := d.callRootBool(rootID, "on_vm_start", func() bool { return re.ctx.OnVMStart(data) })
	re.started = ok
	return ok
}

// OnConfigure hands the plugin configuration to the root. A root that
// rejects it, or that accepts it but declares no http context type, stays
// inactive and the host is told the module failed to activate.
func (d *Dispatcher) OnConfigure(rootID ContextID, configSize int) bool {
	fields := []zap.Field{zap.Uint32("context_id", uint32(rootID))}
	re, err := d.registry.root(rootID)
	if err != nil {
		d.logger.Error("configure for unknown root", append(fields, zap.Error(err))...)
		return false
	}
	data, err := d.readBuffer(BufferTypePluginConfiguration, configSize)
	if err != nil {
		re.active = false
		d.logger.Error("reading plugin configuration", append(fields, zap.Error(err))...)
		return false
	}

	if !d.callRootBool(rootID, "on_configure", func() bool { return re.ctx.OnConfigure(data) }) {
		re.active = false
		d.logger.Error("plugin configuration rejected", append(fields, zap.Error(ErrConfiguration))...)
		return false
	}
	if t := re.ctx.ContextType(); t != ContextTypeHttp {
		re.active = false
		d.logger.Error("root declares no http context type, it would never receive http callbacks",
			append(fields, zap.Stringer("context_type", t), zap.Error(ErrConfiguration))...)
		return false
	}
	re.active = true
	return true
}

func (d *Dispatcher) readBuffer(bt BufferType, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative buffer size %d", size)
	}
	if size == 0 {
		return nil, nil
	}
	data, err := d.host.GetBufferBytes(bt, 0, size)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	return data, nil
}

// callRootBool runs a root callback. Root failures are configuration
// failures: a panic is logged and reported as false, never re-raised.
func (d *Dispatcher) callRootBool(id ContextID, callback string, fn func() bool) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("root callback panicked",
				zap.Uint32("context_id", uint32(id)),
				zap.String("callback", callback),
				zap.Any("panic", v))
			ok = false
		}
	}()
	return fn()
}

// OnRequestHeaders dispatches the request headers phase.
func (d *Dispatcher) OnRequestHeaders(id ContextID, numHeaders int, endOfStream bool) Action {
	if numHeaders < 0 {
		return d.reject(id, "on_request_headers", fmt.Errorf("negative header count %d", numHeaders))
	}
	return d.phase(id, StreamRequestHeaders, "on_request_headers", func(s StreamContext) Action {
		return s.OnRequestHeaders(numHeaders, endOfStream)
	})
}

// OnRequestBody dispatches a request body chunk.
func (d *Dispatcher) OnRequestBody(id ContextID, bodySize int, endOfStream bool) Action {
	if bodySize < 0 {
		return d.reject(id, "on_request_body", fmt.Errorf("negative body size %d", bodySize))
	}
	return d.phase(id, StreamRequestBody, "on_request_body", func(s StreamContext) Action {
		return s.OnRequestBody(bodySize, endOfStream)
	})
}

// OnRequestTrailers dispatches the request trailers phase.
func (d *Dispatcher) OnRequestTrailers(id ContextID, numTrailers int) Action {
	if numTrailers < 0 {
		return d.reject(id, "on_request_trailers", fmt.Errorf("negative trailer count %d", numTrailers))
	}
	return d.phase(id, StreamRequestTrailers, "on_request_trailers", func(s StreamContext) Action {
		return s.OnRequestTrailers(numTrailers)
	})
}

// OnResponseHeaders dispatches the response headers phase.
func (d *Dispatcher) OnResponseHeaders(id ContextID, numHeaders int, endOfStream bool) Action {
	if numHeaders < 0 {
		return d.reject(id, "on_response_headers", fmt.Errorf("negative header count %d", numHeaders))
	}
	return d.phase(id, StreamResponseHeaders, "on_response_headers", func(s StreamContext) Action {
		return s.OnResponseHeaders(numHeaders, endOfStream)
	})
}

// OnResponseBody dispatches a response body chunk.
func (d *Dispatcher) OnResponseBody(id ContextID, bodySize int, endOfStream bool) Action {
	if bodySize < 0 {
		return d.reject(id, "on_response_body", fmt.Errorf("negative body size %d", bodySize))
	}
	return d.phase(id, StreamResponseBody, "on_response_body", func(s StreamContext) Action {
		return s.OnResponseBody(bodySize, endOfStream)
	})
}

// OnResponseTrailers dispatches the response trailers phase.
func (d *Dispatcher) OnResponseTrailers(id ContextID, numTrailers int) Action {
	if numTrailers < 0 {
		return d.reject(id, "on_response_trailers", fmt.Errorf("negative trailer count %d", numTrailers))
	}
	return d.phase(id, StreamResponseTrailers, "on_response_trailers", func(s StreamContext) Action {
		return s.OnResponseTrailers(numTrailers)
	})
}

func (d *Dispatcher) reject(id ContextID, callback string, err error) Action {
	d.logger.Warn("callback rejected",
		zap.Uint32("context_id", uint32(id)),
		zap.String("callback", callback),
		zap.Error(err))
	return ActionContinue
}

func (d *Dispatcher) phase(id ContextID, next StreamState, callback string, call func(StreamContext) Action) (action Action) {
	se, err := d.registry.stream(id)
	if err != nil {
		return d.reject(id, callback, err)
	}
	if se.detached {
		d.logger.Debug("callback for detached stream skipped",
			zap.Uint32("context_id", uint32(id)),
			zap.String("callback", callback))
		return ActionContinue
	}
	if !se.state.canEnter(next) {
		return d.reject(id, callback, fmt.Errorf("%w: %s after %s", ErrPhaseOrder, next, se.state))
	}
	se.state = next

	defer d.contain(id, callback)
	action = call(se.ctx)
	if action != ActionContinue && action != ActionPause {
		return d.reject(id, callback, fmt.Errorf("invalid action %s", action))
	}
	return action
}

// contain is deferred around guest code that runs on behalf of one stream. A
// panic detaches that stream only; root and sibling state stay untouched.
// The panic is then re-raised as a *PanicError so the sandbox traps and the
// host applies its failure policy, unless the dispatcher contains panics.
func (d *Dispatcher) contain(id ContextID, callback string) {
	v := recover()
	if v == nil {
		return
	}
	d.registry.Remove(id)
	perr := &PanicError{ID: id, Callback: callback, Value: v}
	d.logger.Error("stream callback panicked, stream detached",
		zap.Uint32("context_id", uint32(id)),
		zap.String("callback", callback),
		zap.Any("panic", v))
	if d.containPanics {
		return
	}
	panic(perr)
}

// OnDone marks a context as finishing. Streams move to Closed and accept no
// further phase callbacks.
func (d *Dispatcher) OnDone(id ContextID) bool {
	if re, err := d.registry.root(id); err == nil {
		return d.callRootBool(id, "on_done", re.ctx.OnDone)
	}
	se, err := d.registry.stream(id)
	if err != nil {
		d.logger.Debug("done for unknown context", zap.Uint32("context_id", uint32(id)))
		return true
	}
	se.state = StreamClosed
	return true
}

// OnLog fires OnLogComplete once for a stream. Anything that goes wrong in
// it is logged and swallowed: the exchange has already finished.
func (d *Dispatcher) OnLog(id ContextID) {
	se, err := d.registry.stream(id)
	if err != nil {
		return
	}
	se.state = StreamClosed
	s := se.ctx
	if s == nil {
		return
	}
	se.ctx = nil // fire once
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("log callback panicked",
				zap.Uint32("context_id", uint32(id)),
				zap.Any("panic", v))
		}
	}()
	s.OnLogComplete()
}

// OnDelete forgets a context. Deleting twice is a no-op.
func (d *Dispatcher) OnDelete(id ContextID) {
	d.registry.Remove(id)
}

// IsDesync reports whether err is a protocol desync between host and guest.
func IsDesync(err error) bool {
	return errors.Is(err, ErrProtocolDesync)
}
