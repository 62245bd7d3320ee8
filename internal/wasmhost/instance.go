package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/wasmfilter/internal/headermap"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/internal/tracing"
	"github.com/wudi/wasmfilter/proxywasm"
)

// guest is one running copy of the plugin code, either a wazero module or the
// filter compiled into the host binary.
type guest interface {
	// call invokes an export. found is false when the guest does not export
	// fn, in which case the host uses the ABI default for that callback.
	call(ctx context.Context, fn string, args ...uint64) (ret uint64, found bool, err error)
	close(ctx context.Context) error
}

type instanceKey struct{}

func withInstance(ctx context.Context, in *instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, in)
}

func instanceFromContext(ctx context.Context) *instance {
	if v := ctx.Value(instanceKey{}); v != nil {
		return v.(*instance)
	}
	return nil
}

// localResponse is a reply the guest asked the host to send instead of
// forwarding the exchange.
type localResponse struct {
	status     int
	details    string
	body       []byte
	headers    [][2]string
	grpcStatus int32
}

// exchange is the host-owned state of one HTTP stream. It is only touched
// while the owning instance's lock is held, except for the resume channel.
type exchange struct {
	id           proxywasm.ContextID
	reqHeaders   headermap.Map
	reqTrailers  headermap.Map
	respHeaders  headermap.Map
	respTrailers headermap.Map
	reqBody      []byte
	respBody     []byte
	haveResponse bool
	paused       [2]bool // indexed by proxywasm.StreamType
	resume       chan struct{}
	local        *localResponse
}

func newExchange(id proxywasm.ContextID) *exchange {
	return &exchange{id: id, resume: make(chan struct{}, 1)}
}

// instance is one VM: a guest with its root context and the streams pinned
// to it. Exactly one callback runs at a time per instance.
type instance struct {
	mu sync.Mutex

	slot   int
	plugin string
	guest  guest
	// trapsBreak is set for sandboxed guests: a trap or timeout leaves the
	// module unusable.
	trapsBreak bool
	broken     atomic.Bool

	timeout      time.Duration
	vmConfig     []byte
	pluginConfig []byte

	effective proxywasm.ContextID
	exchanges map[proxywasm.ContextID]*exchange

	logger *zap.Logger
	// logLimit bounds proxy_log lines per instance; a guest logging in a
	// loop must not flood the host log.
	logLimit *rate.Limiter
	dropped  int

	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// Guest log budget per instance.
const (
	guestLogRate  = 200
	guestLogBurst = 50
)

func (in *instance) invoke(ctx context.Context, id proxywasm.ContextID, fn string, args ...uint64) (uint64, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.invokeLocked(ctx, id, fn, args...)
}

// invokeLocked runs one guest callback with id as the effective context. The
// caller holds in.mu. Client cancellation never reaches the guest; only the
// callback timeout does.
func (in *instance) invokeLocked(ctx context.Context, id proxywasm.ContextID, fn string, args ...uint64) (uint64, bool, error) {
	if in.broken.Load() {
		return 0, false, fmt.Errorf("%w: instance %d is broken", ErrTrap, in.slot)
	}
	in.effective = id

	ctx, finish := in.tracer.CallbackSpan(ctx, in.plugin, fn, uint32(id))
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.timeout)
	defer cancel()

	start := time.Now()
	ret, found, err := in.guest.call(withInstance(cctx, in), fn, args...)
	elapsed := time.Since(start)

	result := "ok"
	switch {
	case err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: %s exceeded %s", proxywasm.ErrCallbackTimeout, fn, in.timeout)
		result = "timeout"
	case err != nil:
		err = fmt.Errorf("%w in %s: %v", ErrTrap, fn, err)
		result = "trap"
	case !found:
		result = "missing"
	case isPhaseExport(fn):
		result = proxywasm.Action(uint32(ret)).String()
	}
	if err != nil && in.trapsBreak {
		in.broken.Store(true)
	}

	if in.metrics != nil {
		in.metrics.RecordCallback(in.plugin, fn, result, elapsed)
	}
	finish(result, err)
	in.effective = 0
	return ret, found, err
}

func isPhaseExport(fn string) bool {
	switch fn {
	case exportRequestHeaders, exportRequestBody, exportRequestTrailers,
		exportResponseHeaders, exportResponseBody, exportResponseTrailers:
		return true
	}
	return false
}

// startRoot creates the root context and runs the start and configure
// callbacks. A guest without those exports accepts by default.
func (in *instance) startRoot(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, _, err := in.invokeLocked(ctx, rootContextID, exportContextCreate, uint64(rootContextID), 0); err != nil {
		return err
	}
	ret, found, err := in.invokeLocked(ctx, rootContextID, exportVMStart, uint64(rootContextID), uint64(len(in.vmConfig)))
	if err != nil {
		return err
	}
	if found && !boolResult(ret) {
		return fmt.Errorf("%w: %s returned false", ErrLoad, exportVMStart)
	}
	ret, found, err = in.invokeLocked(ctx, rootContextID, exportConfigure, uint64(rootContextID), uint64(len(in.pluginConfig)))
	if err != nil {
		return err
	}
	if found && !boolResult(ret) {
		return fmt.Errorf("%w: %s returned false", ErrLoad, exportConfigure)
	}
	return nil
}

// openStream registers an exchange and asks the root for a stream context.
func (in *instance) openStream(ctx context.Context, id proxywasm.ContextID) (*exchange, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ex := newExchange(id)
	in.exchanges[id] = ex
	if _, _, err := in.invokeLocked(ctx, id, exportContextCreate, uint64(id), uint64(rootContextID)); err != nil {
		delete(in.exchanges, id)
		return nil, err
	}
	return ex, nil
}

// phase delivers one stream callback. A Pause result marks the direction
// paused before the lock is released, so a resume from any later callback is
// never lost.
func (in *instance) phase(ctx context.Context, ex *exchange, st proxywasm.StreamType, fn string, args ...uint64) (proxywasm.Action, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ret, found, err := in.invokeLocked(ctx, ex.id, fn, args...)
	if err != nil || !found {
		return proxywasm.ActionContinue, err
	}
	action := proxywasm.Action(uint32(ret))
	if action == proxywasm.ActionPause && ex.local == nil {
		ex.paused[st] = true
	}
	return action, nil
}

// isPaused reports whether direction st is still waiting for the guest.
func (in *instance) isPaused(ex *exchange, st proxywasm.StreamType) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return ex.paused[st] && ex.local == nil
}

// withExchange runs fn with the instance locked, for host-side access to the
// exchange between callbacks.
func (in *instance) withExchange(ex *exchange, fn func(ex *exchange)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	fn(ex)
}

// closeStream runs the end-of-stream callbacks and forgets the exchange.
// Errors are logged: the response is already decided.
func (in *instance) closeStream(ctx context.Context, ex *exchange) {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer delete(in.exchanges, ex.id)

	if in.broken.Load() {
		return
	}
	for _, fn := range []string{exportDone, exportLog, exportDelete} {
		if _, _, err := in.invokeLocked(ctx, ex.id, fn, uint64(ex.id)); err != nil {
			in.logger.Warn("stream teardown failed",
				zap.Uint32("context_id", uint32(ex.id)),
				zap.String("callback", fn),
				zap.Error(err))
			return
		}
	}
}

func (in *instance) close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.broken.Load() {
		if _, _, err := in.invokeLocked(ctx, rootContextID, exportDone, uint64(rootContextID)); err != nil {
			in.logger.Debug("root done failed", zap.Error(err))
		}
	}
	in.broken.Store(true)
	return in.guest.close(ctx)
}

// Host call surface. Every method below runs inside a guest callback, with
// in.mu held by invokeLocked.

func (in *instance) current() *exchange {
	return in.exchanges[in.effective]
}

func (in *instance) headerMap(mt proxywasm.MapType) (*headermap.Map, proxywasm.Status) {
	ex := in.current()
	if ex == nil {
		return nil, proxywasm.StatusBadArgument
	}
	switch mt {
	case proxywasm.MapTypeHttpRequestHeaders:
		return &ex.reqHeaders, proxywasm.StatusOK
	case proxywasm.MapTypeHttpRequestTrailers:
		return &ex.reqTrailers, proxywasm.StatusOK
	case proxywasm.MapTypeHttpResponseHeaders:
		if !ex.haveResponse {
			return nil, proxywasm.StatusBadArgument
		}
		return &ex.respHeaders, proxywasm.StatusOK
	case proxywasm.MapTypeHttpResponseTrailers:
		if !ex.haveResponse {
			return nil, proxywasm.StatusBadArgument
		}
		return &ex.respTrailers, proxywasm.StatusOK
	}
	return nil, proxywasm.StatusBadArgument
}

func (in *instance) getHeaderMapValue(mt proxywasm.MapType, key string) (string, proxywasm.Status) {
	m, st := in.headerMap(mt)
	if st != proxywasm.StatusOK {
		return "", st
	}
	v, ok := m.Get(key)
	if !ok {
		return "", proxywasm.StatusNotFound
	}
	return v, proxywasm.StatusOK
}

func (in *instance) getHeaderMapPairs(mt proxywasm.MapType) ([][2]string, proxywasm.Status) {
	m, st := in.headerMap(mt)
	if st != proxywasm.StatusOK {
		return nil, st
	}
	return m.Pairs(), proxywasm.StatusOK
}

func (in *instance) replaceHeaderMapValue(mt proxywasm.MapType, key, value string) proxywasm.Status {
	m, st := in.headerMap(mt)
	if st != proxywasm.StatusOK {
		return st
	}
	if key == "" {
		return proxywasm.StatusBadArgument
	}
	m.Replace(key, value)
	return proxywasm.StatusOK
}

func (in *instance) addHeaderMapValue(mt proxywasm.MapType, key, value string) proxywasm.Status {
	m, st := in.headerMap(mt)
	if st != proxywasm.StatusOK {
		return st
	}
	if key == "" {
		return proxywasm.StatusBadArgument
	}
	m.Add(key, value)
	return proxywasm.StatusOK
}

func (in *instance) removeHeaderMapValue(mt proxywasm.MapType, key string) proxywasm.Status {
	m, st := in.headerMap(mt)
	if st != proxywasm.StatusOK {
		return st
	}
	m.Remove(key)
	return proxywasm.StatusOK
}

func (in *instance) buffer(bt proxywasm.BufferType) (*[]byte, proxywasm.Status) {
	switch bt {
	case proxywasm.BufferTypeVMConfiguration:
		return &in.vmConfig, proxywasm.StatusOK
	case proxywasm.BufferTypePluginConfiguration:
		return &in.pluginConfig, proxywasm.StatusOK
	}
	ex := in.current()
	if ex == nil {
		return nil, proxywasm.StatusBadArgument
	}
	switch bt {
	case proxywasm.BufferTypeHttpRequestBody:
		return &ex.reqBody, proxywasm.StatusOK
	case proxywasm.BufferTypeHttpResponseBody:
		if !ex.haveResponse {
			return nil, proxywasm.StatusBadArgument
		}
		return &ex.respBody, proxywasm.StatusOK
	}
	return nil, proxywasm.StatusBadArgument
}

func (in *instance) getBufferBytes(bt proxywasm.BufferType, start, maxSize int) ([]byte, proxywasm.Status) {
	buf, st := in.buffer(bt)
	if st != proxywasm.StatusOK {
		return nil, st
	}
	data := *buf
	if len(data) == 0 {
		return nil, proxywasm.StatusEmpty
	}
	if start < 0 || maxSize < 0 || start > len(data) {
		return nil, proxywasm.StatusBadArgument
	}
	end := start + maxSize
	if end > len(data) || end < start {
		end = len(data)
	}
	out := make([]byte, end-start)
	copy(out, data[start:end])
	return out, proxywasm.StatusOK
}

// setBufferBytes follows the usual proxy-wasm rules: start 0 and size 0
// prepends, start 0 with size covering the buffer replaces it, start at or
// past the end appends.
func (in *instance) setBufferBytes(bt proxywasm.BufferType, start, size int, data []byte) proxywasm.Status {
	if bt == proxywasm.BufferTypeVMConfiguration || bt == proxywasm.BufferTypePluginConfiguration {
		return proxywasm.StatusBadArgument
	}
	buf, st := in.buffer(bt)
	if st != proxywasm.StatusOK {
		return st
	}
	cur := *buf
	cp := append([]byte(nil), data...)
	switch {
	case start < 0 || size < 0:
		return proxywasm.StatusBadArgument
	case start == 0 && size == 0 && len(cur) > 0:
		*buf = append(cp, cur...)
	case start == 0 && size >= len(cur):
		*buf = cp
	case start >= len(cur):
		*buf = append(cur, cp...)
	default:
		return proxywasm.StatusUnimplemented
	}
	return proxywasm.StatusOK
}

func (in *instance) continueStream(st proxywasm.StreamType) proxywasm.Status {
	ex := in.current()
	if ex == nil || st > proxywasm.StreamTypeResponse {
		return proxywasm.StatusBadArgument
	}
	if !ex.paused[st] {
		return proxywasm.StatusBadArgument
	}
	ex.paused[st] = false
	select {
	case ex.resume <- struct{}{}:
	default:
	}
	return proxywasm.StatusOK
}

func (in *instance) sendLocalResponse(status uint32, details string, body []byte, headers [][2]string, grpcStatus int32) proxywasm.Status {
	ex := in.current()
	if ex == nil {
		return proxywasm.StatusBadArgument
	}
	if status < 100 || status > 999 {
		return proxywasm.StatusBadArgument
	}
	ex.local = &localResponse{
		status:     int(status),
		details:    details,
		body:       append([]byte(nil), body...),
		headers:    headers,
		grpcStatus: grpcStatus,
	}
	// A local reply ends any pause.
	select {
	case ex.resume <- struct{}{}:
	default:
	}
	return proxywasm.StatusOK
}

func (in *instance) setEffectiveContext(id proxywasm.ContextID) proxywasm.Status {
	if id != rootContextID {
		if _, ok := in.exchanges[id]; !ok {
			return proxywasm.StatusBadArgument
		}
	}
	in.effective = id
	return proxywasm.StatusOK
}

func (in *instance) log(level proxywasm.LogLevel, msg string) proxywasm.Status {
	if level > proxywasm.LogLevelCritical {
		return proxywasm.StatusBadArgument
	}
	if in.logLimit != nil && !in.logLimit.Allow() {
		in.dropped++
		return proxywasm.StatusOK
	}
	// in.logger already carries the plugin name.
	fields := []zap.Field{
		zap.Uint32("context_id", uint32(in.effective)),
		zap.String("msg", msg),
	}
	if in.dropped > 0 {
		fields = append(fields, zap.Int("dropped", in.dropped))
		in.dropped = 0
	}
	switch level {
	case proxywasm.LogLevelTrace, proxywasm.LogLevelDebug:
		in.logger.Debug("wasm plugin", fields...)
	case proxywasm.LogLevelInfo:
		in.logger.Info("wasm plugin", fields...)
	case proxywasm.LogLevelWarn:
		in.logger.Warn("wasm plugin", fields...)
	default:
		in.logger.Error("wasm plugin", fields...)
	}
	return proxywasm.StatusOK
}
