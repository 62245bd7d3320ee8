package wasmhost

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wudi/wasmfilter/internal/abi"
	"github.com/wudi/wasmfilter/proxywasm"
)

// registerHostFunctions builds the "env" module every proxy-wasm guest
// imports from.
func registerHostFunctions(rt wazero.Runtime) wazero.HostModuleBuilder {
	env := rt.NewHostModuleBuilder("env")

	env.NewFunctionBuilder().
		WithFunc(hostLog).
		WithParameterNames("level", "msg_ptr", "msg_size").
		Export("proxy_log")

	env.NewFunctionBuilder().
		WithFunc(hostGetHeaderMapValue).
		WithParameterNames("map_type", "key_ptr", "key_size", "ret_data", "ret_size").
		Export("proxy_get_header_map_value")

	env.NewFunctionBuilder().
		WithFunc(hostGetHeaderMapPairs).
		WithParameterNames("map_type", "ret_data", "ret_size").
		Export("proxy_get_header_map_pairs")

	env.NewFunctionBuilder().
		WithFunc(hostReplaceHeaderMapValue).
		WithParameterNames("map_type", "key_ptr", "key_size", "value_ptr", "value_size").
		Export("proxy_replace_header_map_value")

	env.NewFunctionBuilder().
		WithFunc(hostAddHeaderMapValue).
		WithParameterNames("map_type", "key_ptr", "key_size", "value_ptr", "value_size").
		Export("proxy_add_header_map_value")

	env.NewFunctionBuilder().
		WithFunc(hostRemoveHeaderMapValue).
		WithParameterNames("map_type", "key_ptr", "key_size").
		Export("proxy_remove_header_map_value")

	env.NewFunctionBuilder().
		WithFunc(hostGetBufferBytes).
		WithParameterNames("buffer_type", "start", "max_size", "ret_data", "ret_size").
		Export("proxy_get_buffer_bytes")

	env.NewFunctionBuilder().
		WithFunc(hostSetBufferBytes).
		WithParameterNames("buffer_type", "start", "size", "data_ptr", "data_size").
		Export("proxy_set_buffer_bytes")

	env.NewFunctionBuilder().
		WithFunc(hostContinueStream).
		WithParameterNames("stream_type").
		Export("proxy_continue_stream")

	env.NewFunctionBuilder().
		WithFunc(hostSendLocalResponse).
		WithParameterNames("status_code", "details_ptr", "details_size", "body_ptr", "body_size",
			"headers_ptr", "headers_size", "grpc_status").
		Export("proxy_send_local_response")

	env.NewFunctionBuilder().
		WithFunc(hostSetEffectiveContext).
		WithParameterNames("context_id").
		Export("proxy_set_effective_context")

	return env
}

func status(s proxywasm.Status) uint32 {
	return uint32(s)
}

// readGuestString reads a string from guest memory at the given offset and length.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// readGuestBytes copies bytes out of guest memory.
func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// writeReturn hands data back to the guest: the guest allocates the
// destination through proxy_on_memory_allocate, then its address and size are
// stored at retData and retSize.
func writeReturn(ctx context.Context, mod api.Module, data []byte, retData, retSize uint32) uint32 {
	mem := mod.Memory()
	var ptr uint32
	if len(data) > 0 {
		alloc := mod.ExportedFunction(exportMemoryAllocate)
		if alloc == nil {
			return status(proxywasm.StatusInternalFailure)
		}
		res, err := alloc.Call(ctx, uint64(len(data)))
		if err != nil || len(res) == 0 {
			return status(proxywasm.StatusInternalFailure)
		}
		ptr = uint32(res[0])
		if !mem.Write(ptr, data) {
			return status(proxywasm.StatusInternalFailure)
		}
	}
	if !mem.WriteUint32Le(retData, ptr) || !mem.WriteUint32Le(retSize, uint32(len(data))) {
		return status(proxywasm.StatusBadArgument)
	}
	return status(proxywasm.StatusOK)
}

func hostLog(ctx context.Context, mod api.Module, level, msgPtr, msgSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	msg, ok := readGuestString(mod, msgPtr, msgSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.log(proxywasm.LogLevel(level), msg))
}

func hostGetHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyPtr, keySize, retData, retSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	key, ok := readGuestString(mod, keyPtr, keySize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	val, st := in.getHeaderMapValue(proxywasm.MapType(mapType), key)
	if st != proxywasm.StatusOK {
		return status(st)
	}
	return writeReturn(ctx, mod, []byte(val), retData, retSize)
}

func hostGetHeaderMapPairs(ctx context.Context, mod api.Module, mapType, retData, retSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	pairs, st := in.getHeaderMapPairs(proxywasm.MapType(mapType))
	if st != proxywasm.StatusOK {
		return status(st)
	}
	return writeReturn(ctx, mod, abi.SerializePairs(pairs), retData, retSize)
}

func hostReplaceHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyPtr, keySize, valuePtr, valueSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	key, ok := readGuestString(mod, keyPtr, keySize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	val, ok := readGuestString(mod, valuePtr, valueSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.replaceHeaderMapValue(proxywasm.MapType(mapType), key, val))
}

func hostAddHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyPtr, keySize, valuePtr, valueSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	key, ok := readGuestString(mod, keyPtr, keySize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	val, ok := readGuestString(mod, valuePtr, valueSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.addHeaderMapValue(proxywasm.MapType(mapType), key, val))
}

func hostRemoveHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyPtr, keySize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	key, ok := readGuestString(mod, keyPtr, keySize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.removeHeaderMapValue(proxywasm.MapType(mapType), key))
}

func hostGetBufferBytes(ctx context.Context, mod api.Module, bufferType, start, maxSize, retData, retSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	data, st := in.getBufferBytes(proxywasm.BufferType(bufferType), int(start), int(maxSize))
	if st != proxywasm.StatusOK {
		return status(st)
	}
	return writeReturn(ctx, mod, data, retData, retSize)
}

func hostSetBufferBytes(ctx context.Context, mod api.Module, bufferType, start, size, dataPtr, dataSize uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	data, ok := readGuestBytes(mod, dataPtr, dataSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.setBufferBytes(proxywasm.BufferType(bufferType), int(start), int(size), data))
}

func hostContinueStream(ctx context.Context, streamType uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	return status(in.continueStream(proxywasm.StreamType(streamType)))
}

func hostSendLocalResponse(ctx context.Context, mod api.Module, statusCode, detailsPtr, detailsSize, bodyPtr, bodySize, headersPtr, headersSize uint32, grpcStatus int32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	details, ok := readGuestString(mod, detailsPtr, detailsSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	body, ok := readGuestBytes(mod, bodyPtr, bodySize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	raw, ok := readGuestBytes(mod, headersPtr, headersSize)
	if !ok {
		return status(proxywasm.StatusBadArgument)
	}
	headers, err := abi.DeserializePairs(raw)
	if err != nil {
		return status(proxywasm.StatusBadArgument)
	}
	return status(in.sendLocalResponse(statusCode, details, body, headers, grpcStatus))
}

func hostSetEffectiveContext(ctx context.Context, contextID uint32) uint32 {
	in := instanceFromContext(ctx)
	if in == nil {
		return status(proxywasm.StatusInternalFailure)
	}
	return status(in.setEffectiveContext(proxywasm.ContextID(contextID)))
}
