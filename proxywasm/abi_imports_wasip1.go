//go:build wasip1

package proxywasm

import (
	"unsafe"

	"github.com/wudi/wasmfilter/internal/abi"
)

//go:wasmimport env proxy_log
func proxyLog(level uint32, msgPtr unsafe.Pointer, msgSize uint32) uint32

//go:wasmimport env proxy_get_header_map_value
func proxyGetHeaderMapValue(mapType uint32, keyPtr unsafe.Pointer, keySize uint32, retData unsafe.Pointer, retSize unsafe.Pointer) uint32

//go:wasmimport env proxy_get_header_map_pairs
func proxyGetHeaderMapPairs(mapType uint32, retData unsafe.Pointer, retSize unsafe.Pointer) uint32

//go:wasmimport env proxy_replace_header_map_value
func proxyReplaceHeaderMapValue(mapType uint32, keyPtr unsafe.Pointer, keySize uint32, valuePtr unsafe.Pointer, valueSize uint32) uint32

//go:wasmimport env proxy_add_header_map_value
func proxyAddHeaderMapValue(mapType uint32, keyPtr unsafe.Pointer, keySize uint32, valuePtr unsafe.Pointer, valueSize uint32) uint32

//go:wasmimport env proxy_remove_header_map_value
func proxyRemoveHeaderMapValue(mapType uint32, keyPtr unsafe.Pointer, keySize uint32) uint32

//go:wasmimport env proxy_get_buffer_bytes
func proxyGetBufferBytes(bufferType, start, maxSize uint32, retData unsafe.Pointer, retSize unsafe.Pointer) uint32

//go:wasmimport env proxy_set_buffer_bytes
func proxySetBufferBytes(bufferType, start, size uint32, dataPtr unsafe.Pointer, dataSize uint32) uint32

//go:wasmimport env proxy_continue_stream
func proxyContinueStream(streamType uint32) uint32

//go:wasmimport env proxy_send_local_response
func proxySendLocalResponse(statusCode uint32, detailsPtr unsafe.Pointer, detailsSize uint32, bodyPtr unsafe.Pointer, bodySize uint32, headersPtr unsafe.Pointer, headersSize uint32, grpcStatus int32) uint32

//go:wasmimport env proxy_set_effective_context
func proxySetEffectiveContext(contextID uint32) uint32

func strPtr(s string) unsafe.Pointer {
	if s == "" {
		return nil
	}
	return unsafe.Pointer(unsafe.StringData(s))
}

func bytesPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// abiHost implements Host with the proxy-wasm host imports.
type abiHost struct{}

func (abiHost) GetHeaderMapValue(mt MapType, key string) (string, error) {
	var ptr, size uint32
	st := Status(proxyGetHeaderMapValue(uint32(mt), strPtr(key), uint32(len(key)), unsafe.Pointer(&ptr), unsafe.Pointer(&size)))
	if err := StatusToError("proxy_get_header_map_value", st); err != nil {
		return "", err
	}
	return string(takeAllocation(ptr, size)), nil
}

func (abiHost) GetHeaderMapPairs(mt MapType) ([][2]string, error) {
	var ptr, size uint32
	st := Status(proxyGetHeaderMapPairs(uint32(mt), unsafe.Pointer(&ptr), unsafe.Pointer(&size)))
	if err := StatusToError("proxy_get_header_map_pairs", st); err != nil {
		return nil, err
	}
	return abi.DeserializePairs(takeAllocation(ptr, size))
}

func (abiHost) ReplaceHeaderMapValue(mt MapType, key, value string) error {
	st := Status(proxyReplaceHeaderMapValue(uint32(mt), strPtr(key), uint32(len(key)), strPtr(value), uint32(len(value))))
	return StatusToError("proxy_replace_header_map_value", st)
}

func (abiHost) AddHeaderMapValue(mt MapType, key, value string) error {
	st := Status(proxyAddHeaderMapValue(uint32(mt), strPtr(key), uint32(len(key)), strPtr(value), uint32(len(value))))
	return StatusToError("proxy_add_header_map_value", st)
}

func (abiHost) RemoveHeaderMapValue(mt MapType, key string) error {
	st := Status(proxyRemoveHeaderMapValue(uint32(mt), strPtr(key), uint32(len(key))))
	return StatusToError("proxy_remove_header_map_value", st)
}

func (abiHost) GetBufferBytes(bt BufferType, start, maxSize int) ([]byte, error) {
	var ptr, size uint32
	st := Status(proxyGetBufferBytes(uint32(bt), uint32(start), uint32(maxSize), unsafe.Pointer(&ptr), unsafe.Pointer(&size)))
	if err := StatusToError("proxy_get_buffer_bytes", st); err != nil {
		return nil, err
	}
	return takeAllocation(ptr, size), nil
}

func (abiHost) SetBufferBytes(bt BufferType, start, size int, data []byte) error {
	st := Status(proxySetBufferBytes(uint32(bt), uint32(start), uint32(size), bytesPtr(data), uint32(len(data))))
	return StatusToError("proxy_set_buffer_bytes", st)
}

func (abiHost) ContinueStream(s StreamType) error {
	return StatusToError("proxy_continue_stream", Status(proxyContinueStream(uint32(s))))
}

func (abiHost) SendLocalResponse(statusCode uint32, details string, body []byte, headers [][2]string, grpcStatus int32) error {
	hs := abi.SerializePairs(headers)
	st := Status(proxySendLocalResponse(statusCode,
		strPtr(details), uint32(len(details)),
		bytesPtr(body), uint32(len(body)),
		bytesPtr(hs), uint32(len(hs)),
		grpcStatus))
	return StatusToError("proxy_send_local_response", st)
}

func (abiHost) SetEffectiveContext(id ContextID) error {
	return StatusToError("proxy_set_effective_context", Status(proxySetEffectiveContext(uint32(id))))
}

func (abiHost) Log(level LogLevel, msg string) error {
	return StatusToError("proxy_log", Status(proxyLog(uint32(level), strPtr(msg), uint32(len(msg)))))
}
