//go:build wasip1

package proxywasm

import "unsafe"

var abiDispatcher *Dispatcher

func dispatcher() *Dispatcher {
	if abiDispatcher == nil {
		abiDispatcher = NewDispatcher(abiHost{}, rootFactory)
	}
	return abiDispatcher
}

//go:wasmexport proxy_abi_version_0_2_1
func proxyABIVersion() {}

// allocations keeps buffers handed to the host reachable until the guest
// takes them back.
var allocations = make(map[uint32][]byte)

//go:wasmexport proxy_on_memory_allocate
func proxyOnMemoryAllocate(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

// takeAllocation returns the guest-owned copy of a buffer the host wrote
// into memory obtained from proxy_on_memory_allocate.
func takeAllocation(ptr, size uint32) []byte {
	if size == 0 {
		delete(allocations, ptr)
		return nil
	}
	if buf, ok := allocations[ptr]; ok {
		delete(allocations, ptr)
		if int(size) <= len(buf) {
			return buf[:size]
		}
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size))
	return out
}

//go:wasmexport proxy_on_context_create
func proxyOnContextCreate(contextID, parentID uint32) {
	_ = dispatcher().OnContextCreate(ContextID(contextID), ContextID(parentID))
}

//go:wasmexport proxy_on_vm_start
func proxyOnVMStart(rootID, vmConfigSize uint32) uint32 {
	return boolToUint32(dispatcher().OnVMStart(ContextID(rootID), int(vmConfigSize)))
}

//go:wasmexport proxy_on_configure
func proxyOnConfigure(rootID, configSize uint32) uint32 {
	return boolToUint32(dispatcher().OnConfigure(ContextID(rootID), int(configSize)))
}

//go:wasmexport proxy_on_request_headers
func proxyOnRequestHeaders(contextID, numHeaders, endOfStream uint32) uint32 {
	return uint32(dispatcher().OnRequestHeaders(ContextID(contextID), int(numHeaders), endOfStream != 0))
}

//go:wasmexport proxy_on_request_body
func proxyOnRequestBody(contextID, bodySize, endOfStream uint32) uint32 {
	return uint32(dispatcher().OnRequestBody(ContextID(contextID), int(bodySize), endOfStream != 0))
}

//go:wasmexport proxy_on_request_trailers
func proxyOnRequestTrailers(contextID, numTrailers uint32) uint32 {
	return uint32(dispatcher().OnRequestTrailers(ContextID(contextID), int(numTrailers)))
}

//go:wasmexport proxy_on_response_headers
func proxyOnResponseHeaders(contextID, numHeaders, endOfStream uint32) uint32 {
	return uint32(dispatcher().OnResponseHeaders(ContextID(contextID), int(numHeaders), endOfStream != 0))
}

//go:wasmexport proxy_on_response_body
func proxyOnResponseBody(contextID, bodySize, endOfStream uint32) uint32 {
	return uint32(dispatcher().OnResponseBody(ContextID(contextID), int(bodySize), endOfStream != 0))
}

//go:wasmexport proxy_on_response_trailers
func proxyOnResponseTrailers(contextID, numTrailers uint32) uint32 {
	return uint32(dispatcher().OnResponseTrailers(ContextID(contextID), int(numTrailers)))
}

//go:wasmexport proxy_on_done
func proxyOnDone(contextID uint32) uint32 {
	return boolToUint32(dispatcher().OnDone(ContextID(contextID)))
}

//go:wasmexport proxy_on_log
func proxyOnLog(contextID uint32) {
	dispatcher().OnLog(ContextID(contextID))
}

//go:wasmexport proxy_on_delete
func proxyOnDelete(contextID uint32) {
	dispatcher().OnDelete(ContextID(contextID))
}
