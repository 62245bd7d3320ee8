// Package wasmhost is a small proxy-wasm host built on wazero. It loads one
// plugin, drives its root and stream contexts over HTTP exchanges and applies
// the plugin's failure policy when the guest misbehaves.
package wasmhost

import (
	"errors"

	"github.com/wudi/wasmfilter/proxywasm"
)

// Guest exports the host calls into.
const (
	exportABIVersion       = "proxy_abi_version_0_2_1"
	exportMemoryAllocate   = "proxy_on_memory_allocate"
	exportContextCreate    = "proxy_on_context_create"
	exportVMStart          = "proxy_on_vm_start"
	exportConfigure        = "proxy_on_configure"
	exportRequestHeaders   = "proxy_on_request_headers"
	exportRequestBody      = "proxy_on_request_body"
	exportRequestTrailers  = "proxy_on_request_trailers"
	exportResponseHeaders  = "proxy_on_response_headers"
	exportResponseBody     = "proxy_on_response_body"
	exportResponseTrailers = "proxy_on_response_trailers"
	exportDone             = "proxy_on_done"
	exportLog              = "proxy_on_log"
	exportDelete           = "proxy_on_delete"
)

// rootContextID is the id of the single root context every instance creates.
const rootContextID proxywasm.ContextID = 1

var (
	// ErrTrap is returned when guest code trapped inside a callback.
	ErrTrap = errors.New("guest trapped")

	// ErrPauseTimeout is returned when a paused phase was not resumed in time.
	ErrPauseTimeout = errors.New("paused phase not resumed")

	// ErrLoad marks every failure to bring a plugin up: fetch, checksum,
	// compile, instantiate, or a root that refused to start or configure.
	ErrLoad = errors.New("plugin load failed")

	// ErrChecksumMismatch is returned when module bytes do not hash to the
	// configured sha256.
	ErrChecksumMismatch = errors.New("module checksum mismatch")

	// ErrABIVersion is returned for modules that do not export the
	// proxy_abi_version_0_2_1 marker.
	ErrABIVersion = errors.New("module does not implement proxy-wasm ABI 0.2.1")
)

func boolResult(v uint64) bool {
	return uint32(v) != 0
}

func boolArg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
