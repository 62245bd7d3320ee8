package proxywasm

// RootContext is created once per configuration load. It owns module-wide
// configuration and manufactures stream contexts.
type RootContext interface {
	// OnVMStart is called once for the first root of a VM with the VM
	// configuration bytes. Returning false fails the VM.
	OnVMStart(vmConfig []byte) bool

	// OnConfigure validates plugin configuration. It must be idempotent:
	// the same bytes yield the same validated state. Returning false keeps
	// the root inactive.
	OnConfigure(config []byte) bool

	// ContextType declares what the root produces. It must be stable once
	// OnConfigure succeeded.
	ContextType() ContextType

	// NewStreamContext manufactures the context of a new exchange. It fails
	// with ErrInactiveRoot if the root is not active.
	NewStreamContext(id ContextID) (StreamContext, error)

	// OnDone is called when the host is tearing the root down. Returning
	// false defers completion; this runtime treats it as advisory.
	OnDone() bool
}

// RootFactory builds the root context for a host-assigned id. host is the
// call surface the root and its streams use.
type RootFactory func(id ContextID, host Host) RootContext

// StreamContext is the per-exchange context driven through the lifecycle.
// Phase callbacks must return promptly and must only return ActionPause if
// they will later resume the stream through the host.
type StreamContext interface {
	OnRequestHeaders(numHeaders int, endOfStream bool) Action
	OnRequestBody(bodySize int, endOfStream bool) Action
	OnRequestTrailers(numTrailers int) Action
	OnResponseHeaders(numHeaders int, endOfStream bool) Action
	OnResponseBody(bodySize int, endOfStream bool) Action
	OnResponseTrailers(numTrailers int) Action

	// OnLogComplete fires once when the stream is closed. It must tolerate
	// state that was only partially populated.
	OnLogComplete()
}

// DefaultRootContext can be embedded to get no-op root callbacks.
type DefaultRootContext struct{}

func (DefaultRootContext) OnVMStart([]byte) bool    { return true }
func (DefaultRootContext) OnConfigure([]byte) bool  { return true }
func (DefaultRootContext) ContextType() ContextType { return ContextTypeNone }
func (DefaultRootContext) OnDone() bool             { return true }

func (DefaultRootContext) NewStreamContext(ContextID) (StreamContext, error) {
	return nil, ErrInactiveRoot
}

// DefaultStreamContext can be embedded to get Continue from every phase.
type DefaultStreamContext struct{}

func (DefaultStreamContext) OnRequestHeaders(int, bool) Action  { return ActionContinue }
func (DefaultStreamContext) OnRequestBody(int, bool) Action     { return ActionContinue }
func (DefaultStreamContext) OnRequestTrailers(int) Action       { return ActionContinue }
func (DefaultStreamContext) OnResponseHeaders(int, bool) Action { return ActionContinue }
func (DefaultStreamContext) OnResponseBody(int, bool) Action    { return ActionContinue }
func (DefaultStreamContext) OnResponseTrailers(int) Action      { return ActionContinue }
func (DefaultStreamContext) OnLogComplete()                     {}

var (
	_ RootContext   = DefaultRootContext{}
	_ StreamContext = DefaultStreamContext{}
)
