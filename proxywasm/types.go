package proxywasm

import "strconv"

// ContextID identifies a root or stream context. The host assigns it; zero is
// never a valid id.
type ContextID uint32

// Action is returned by every stream phase callback.
type Action uint32

const (
	// ActionContinue lets the host proceed to the next filter or phase now.
	ActionContinue Action = 0
	// ActionPause suspends the current phase until the guest asks the host
	// to resume it with Host.ContinueStream, or the host times it out.
	ActionPause Action = 1
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPause:
		return "pause"
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// ContextType is the kind of per-exchange context a root produces.
type ContextType uint32

const (
	ContextTypeNone ContextType = 0
	ContextTypeHttp ContextType = 1
)

func (t ContextType) String() string {
	switch t {
	case ContextTypeNone:
		return "none"
	case ContextTypeHttp:
		return "http"
	}
	return "context_type(" + strconv.Itoa(int(t)) + ")"
}

// MapType selects a header map for the header host calls.
type MapType uint32

const (
	MapTypeHttpRequestHeaders   MapType = 0
	MapTypeHttpRequestTrailers  MapType = 1
	MapTypeHttpResponseHeaders  MapType = 2
	MapTypeHttpResponseTrailers MapType = 3
)

// BufferType selects a byte buffer for the buffer host calls.
type BufferType uint32

const (
	BufferTypeHttpRequestBody     BufferType = 0
	BufferTypeHttpResponseBody    BufferType = 1
	BufferTypeVMConfiguration     BufferType = 6
	BufferTypePluginConfiguration BufferType = 7
)

// StreamType selects the direction resumed by Host.ContinueStream.
type StreamType uint32

const (
	StreamTypeRequest  StreamType = 0
	StreamTypeResponse StreamType = 1
)

// LogLevel is the severity passed to Host.Log.
type LogLevel uint32

const (
	LogLevelTrace    LogLevel = 0
	LogLevelDebug    LogLevel = 1
	LogLevelInfo     LogLevel = 2
	LogLevelWarn     LogLevel = 3
	LogLevelError    LogLevel = 4
	LogLevelCritical LogLevel = 5
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	}
	return "log_level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names yield
// LogLevelInfo and false.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "trace":
		return LogLevelTrace, true
	case "debug":
		return LogLevelDebug, true
	case "info", "":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	case "critical":
		return LogLevelCritical, true
	}
	return LogLevelInfo, false
}

// Status is the result code of a host call.
type Status uint32

const (
	StatusOK              Status = 0
	StatusNotFound        Status = 1
	StatusBadArgument     Status = 2
	StatusEmpty           Status = 7
	StatusInternalFailure Status = 10
	StatusUnimplemented   Status = 12
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusBadArgument:
		return "bad argument"
	case StatusEmpty:
		return "empty"
	case StatusInternalFailure:
		return "internal failure"
	case StatusUnimplemented:
		return "unimplemented"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// StreamState is the lifecycle position of a stream context. States only move
// forward and only because the host delivered a phase callback.
type StreamState uint8

const (
	StreamCreated StreamState = iota
	StreamRequestHeaders
	StreamRequestBody
	StreamRequestTrailers
	StreamResponseHeaders
	StreamResponseBody
	StreamResponseTrailers
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamCreated:
		return "created"
	case StreamRequestHeaders:
		return "request_headers"
	case StreamRequestBody:
		return "request_body"
	case StreamRequestTrailers:
		return "request_trailers"
	case StreamResponseHeaders:
		return "response_headers"
	case StreamResponseBody:
		return "response_body"
	case StreamResponseTrailers:
		return "response_trailers"
	case StreamClosed:
		return "closed"
	}
	return "stream_state(" + strconv.Itoa(int(s)) + ")"
}

// canEnter reports whether a stream in state s may receive the callback for
// phase next. Body phases repeat; everything else moves strictly forward.
func (s StreamState) canEnter(next StreamState) bool {
	if s == StreamClosed {
		return false
	}
	if next == s {
		return next == StreamRequestBody || next == StreamResponseBody
	}
	return next > s
}
