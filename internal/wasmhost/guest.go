package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wudi/wasmfilter/proxywasm"
)

// wazeroGuest runs the plugin as a sandboxed module.
type wazeroGuest struct {
	mod api.Module
}

func (g *wazeroGuest) call(ctx context.Context, fn string, args ...uint64) (uint64, bool, error) {
	f := g.mod.ExportedFunction(fn)
	if f == nil {
		return 0, false, nil
	}
	res, err := f.Call(ctx, args...)
	if err != nil {
		return 0, true, err
	}
	if len(res) == 0 {
		return 0, true, nil
	}
	return res[0], true, nil
}

func (g *wazeroGuest) close(ctx context.Context) error {
	return g.mod.Close(ctx)
}

// nativeGuest runs a root factory compiled into the host binary through the
// same dispatcher the wasm build uses. Calls take the same path as exported
// functions, so policy and observability do not depend on the guest kind.
type nativeGuest struct {
	dispatcher *proxywasm.Dispatcher
}

func newNativeGuest(in *instance, factory proxywasm.RootFactory) *nativeGuest {
	host := &nativeHost{in: in}
	return &nativeGuest{
		dispatcher: proxywasm.NewDispatcher(host, factory),
	}
}

// call converts a panic that escaped the dispatcher into a trap. The
// dispatcher has already detached the stream that raised it.
func (g *nativeGuest) call(ctx context.Context, fn string, args ...uint64) (ret uint64, found bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			ret, found = 0, true
			if perr, ok := v.(*proxywasm.PanicError); ok {
				err = perr
				return
			}
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	d := g.dispatcher
	arg := func(i int) uint64 {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	id := proxywasm.ContextID(arg(0))
	n := int(uint32(arg(1)))
	eos := arg(2) != 0

	switch fn {
	case exportContextCreate:
		_ = d.OnContextCreate(id, proxywasm.ContextID(arg(1)))
		return 0, true, nil
	case exportVMStart:
		return boolArg(d.OnVMStart(id, n)), true, nil
	case exportConfigure:
		return boolArg(d.OnConfigure(id, n)), true, nil
	case exportRequestHeaders:
		return uint64(d.OnRequestHeaders(id, n, eos)), true, nil
	case exportRequestBody:
		return uint64(d.OnRequestBody(id, n, eos)), true, nil
	case exportRequestTrailers:
		return uint64(d.OnRequestTrailers(id, n)), true, nil
	case exportResponseHeaders:
		return uint64(d.OnResponseHeaders(id, n, eos)), true, nil
	case exportResponseBody:
		return uint64(d.OnResponseBody(id, n, eos)), true, nil
	case exportResponseTrailers:
		return uint64(d.OnResponseTrailers(id, n)), true, nil
	case exportDone:
		return boolArg(d.OnDone(id)), true, nil
	case exportLog:
		d.OnLog(id)
		return 0, true, nil
	case exportDelete:
		d.OnDelete(id)
		return 0, true, nil
	}
	return 0, false, nil
}

func (g *nativeGuest) close(context.Context) error {
	return nil
}

// nativeHost adapts the instance's host call surface to proxywasm.Host. It
// is only used from inside nativeGuest.call, so the instance lock is held.
type nativeHost struct {
	in *instance
}

var _ proxywasm.Host = (*nativeHost)(nil)

func (h *nativeHost) GetHeaderMapValue(mt proxywasm.MapType, key string) (string, error) {
	v, st := h.in.getHeaderMapValue(mt, key)
	return v, proxywasm.StatusToError("proxy_get_header_map_value", st)
}

func (h *nativeHost) GetHeaderMapPairs(mt proxywasm.MapType) ([][2]string, error) {
	pairs, st := h.in.getHeaderMapPairs(mt)
	return pairs, proxywasm.StatusToError("proxy_get_header_map_pairs", st)
}

func (h *nativeHost) ReplaceHeaderMapValue(mt proxywasm.MapType, key, value string) error {
	return proxywasm.StatusToError("proxy_replace_header_map_value", h.in.replaceHeaderMapValue(mt, key, value))
}

func (h *nativeHost) AddHeaderMapValue(mt proxywasm.MapType, key, value string) error {
	return proxywasm.StatusToError("proxy_add_header_map_value", h.in.addHeaderMapValue(mt, key, value))
}

func (h *nativeHost) RemoveHeaderMapValue(mt proxywasm.MapType, key string) error {
	return proxywasm.StatusToError("proxy_remove_header_map_value", h.in.removeHeaderMapValue(mt, key))
}

func (h *nativeHost) GetBufferBytes(bt proxywasm.BufferType, start, maxSize int) ([]byte, error) {
	data, st := h.in.getBufferBytes(bt, start, maxSize)
	return data, proxywasm.StatusToError("proxy_get_buffer_bytes", st)
}

func (h *nativeHost) SetBufferBytes(bt proxywasm.BufferType, start, size int, data []byte) error {
	return proxywasm.StatusToError("proxy_set_buffer_bytes", h.in.setBufferBytes(bt, start, size, data))
}

func (h *nativeHost) ContinueStream(st proxywasm.StreamType) error {
	return proxywasm.StatusToError("proxy_continue_stream", h.in.continueStream(st))
}

func (h *nativeHost) SendLocalResponse(statusCode uint32, details string, body []byte, headers [][2]string, grpcStatus int32) error {
	return proxywasm.StatusToError("proxy_send_local_response",
		h.in.sendLocalResponse(statusCode, details, body, headers, grpcStatus))
}

func (h *nativeHost) SetEffectiveContext(id proxywasm.ContextID) error {
	return proxywasm.StatusToError("proxy_set_effective_context", h.in.setEffectiveContext(id))
}

func (h *nativeHost) Log(level proxywasm.LogLevel, msg string) error {
	return proxywasm.StatusToError("proxy_log", h.in.log(level, msg))
}
