package proxywasm

// Host is the call surface the proxy exposes to the guest. Every call acts on
// the context the host is currently dispatching to (or the one selected with
// SetEffectiveContext). Returned strings and slices are copies; the guest owns
// them, the host keeps owning its buffers.
type Host interface {
	GetHeaderMapValue(mt MapType, key string) (string, error)
	GetHeaderMapPairs(mt MapType) ([][2]string, error)
	ReplaceHeaderMapValue(mt MapType, key, value string) error
	AddHeaderMapValue(mt MapType, key, value string) error
	RemoveHeaderMapValue(mt MapType, key string) error

	GetBufferBytes(bt BufferType, start, maxSize int) ([]byte, error)
	SetBufferBytes(bt BufferType, start, size int, data []byte) error

	// ContinueStream resumes a phase previously paused by returning
	// ActionPause.
	ContinueStream(st StreamType) error
	// SendLocalResponse replies to the downstream with a synthetic response
	// instead of forwarding the exchange.
	SendLocalResponse(statusCode uint32, details string, body []byte, headers [][2]string, grpcStatus int32) error
	SetEffectiveContext(id ContextID) error

	Log(level LogLevel, msg string) error
}

// SetResponseHeader replaces (or inserts) a response header.
func SetResponseHeader(h Host, key, value string) error {
	return h.ReplaceHeaderMapValue(MapTypeHttpResponseHeaders, key, value)
}

// SetRequestHeader replaces (or inserts) a request header.
func SetRequestHeader(h Host, key, value string) error {
	return h.ReplaceHeaderMapValue(MapTypeHttpRequestHeaders, key, value)
}

// ResumeRequest resumes a paused request phase on the effective context.
func ResumeRequest(h Host) error {
	return h.ContinueStream(StreamTypeRequest)
}

// ResumeResponse resumes a paused response phase on the effective context.
func ResumeResponse(h Host) error {
	return h.ContinueStream(StreamTypeResponse)
}
