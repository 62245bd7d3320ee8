package proxywasm

// rootFactory is the factory used by the sandbox ABI binding. It is the only
// process-global state of the runtime: the proxy-wasm exports are global
// functions, so the module's entry point must install its root factory once,
// from an init function, before the host creates the first context.
var rootFactory RootFactory

// SetRootFactory installs the root factory used when the module runs inside a
// proxy-wasm sandbox. It must be called from an init function of the main
// package.
func SetRootFactory(f RootFactory) {
	rootFactory = f
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
