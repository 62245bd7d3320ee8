// Package proxytest runs proxy-wasm guest code natively against an emulated
// host, so root and stream contexts can be unit tested without a sandbox.
package proxytest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wudi/wasmfilter/internal/headermap"
	"github.com/wudi/wasmfilter/proxywasm"
)

// LocalResponse is a synthetic response the guest asked the host to send.
type LocalResponse struct {
	StatusCode uint32
	Details    string
	Body       []byte
	Headers    [][2]string
	GrpcStatus int32
}

// LogEntry is one message the guest sent to the host log sink.
type LogEntry struct {
	Level   proxywasm.LogLevel
	Message string
}

type stream struct {
	root         proxywasm.ContextID
	reqHeaders   headermap.Map
	reqTrailers  headermap.Map
	respHeaders  headermap.Map
	respTrailers headermap.Map
	reqBody      []byte
	respBody     []byte
	local        *LocalResponse
	paused       bool
	pausedAt     time.Time
	resumes      int
	closed       bool
	trapped      error
}

// HostEmulator implements proxywasm.Host and drives a Dispatcher the way a
// proxy would. It is not safe for concurrent use.
type HostEmulator struct {
	dispatcher   *proxywasm.Dispatcher
	pluginConfig []byte
	vmConfig     []byte
	now          func() time.Time
	dispatchOpts []proxywasm.Option

	rootID    proxywasm.ContextID
	nextID    proxywasm.ContextID
	effective proxywasm.ContextID
	streams   map[proxywasm.ContextID]*stream
	logs      []LogEntry
	traps     []error
}

// Option configures a HostEmulator.
type Option func(*HostEmulator)

// WithPluginConfiguration sets the bytes handed to OnConfigure.
func WithPluginConfiguration(config []byte) Option {
	return func(h *HostEmulator) { h.pluginConfig = config }
}

// WithVMConfiguration sets the bytes handed to OnVMStart.
func WithVMConfiguration(config []byte) Option {
	return func(h *HostEmulator) { h.vmConfig = config }
}

// WithClock replaces time.Now for pause bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(h *HostEmulator) { h.now = now }
}

// WithDispatcherOptions passes options to the underlying dispatcher.
func WithDispatcherOptions(opts ...proxywasm.Option) Option {
	return func(h *HostEmulator) { h.dispatchOpts = append(h.dispatchOpts, opts...) }
}

// NewHostEmulator creates the emulator and the first root context.
func NewHostEmulator(factory proxywasm.RootFactory, opts ...Option) *HostEmulator {
	h := &HostEmulator{
		now:     time.Now,
		nextID:  1,
		streams: make(map[proxywasm.ContextID]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.dispatcher = proxywasm.NewDispatcher(h, factory, h.dispatchOpts...)
	h.rootID = h.allocID()
	if err := h.dispatcher.OnContextCreate(h.rootID, 0); err != nil {
		h.traps = append(h.traps, err)
	}
	return h
}

func (h *HostEmulator) allocID() proxywasm.ContextID {
	id := h.nextID
	h.nextID++
	return id
}

// Dispatcher returns the dispatcher the emulator drives.
func (h *HostEmulator) Dispatcher() *proxywasm.Dispatcher { return h.dispatcher }

// RootID returns the id of the root new streams are created under.
func (h *HostEmulator) RootID() proxywasm.ContextID { return h.rootID }

// StartVM calls OnVMStart on the current root.
func (h *HostEmulator) StartVM() bool {
	h.effective = h.rootID
	return h.dispatcher.OnVMStart(h.rootID, len(h.vmConfig))
}

// StartPlugin calls OnConfigure on the current root.
func (h *HostEmulator) StartPlugin() bool {
	h.effective = h.rootID
	return h.dispatcher.OnConfigure(h.rootID, len(h.pluginConfig))
}

// Reconfigure creates a new root with config and, if it configures, makes it
// the owner of streams created afterwards. A root that rejects config is
// deleted again. The previous root and its streams stay alive either way.
func (h *HostEmulator) Reconfigure(config []byte) (proxywasm.ContextID, bool) {
	id := h.allocID()
	if err := h.dispatcher.OnContextCreate(id, 0); err != nil {
		return id, false
	}
	prevRoot, prevConfig := h.rootID, h.pluginConfig
	h.rootID, h.pluginConfig = id, config
	if !h.StartPlugin() {
		h.rootID, h.pluginConfig = prevRoot, prevConfig
		h.dispatcher.OnDelete(id)
		return id, false
	}
	return id, true
}

// DeleteRoot tears a root down. Its live streams become detached.
func (h *HostEmulator) DeleteRoot(id proxywasm.ContextID) {
	h.effective = id
	h.dispatcher.OnDone(id)
	h.dispatcher.OnDelete(id)
}

// InitializeHttpContext creates a stream under the current root.
func (h *HostEmulator) InitializeHttpContext() (proxywasm.ContextID, error) {
	id := h.allocID()
	var err error
	h.guard(id, func() {
		err = h.dispatcher.OnContextCreate(id, h.rootID)
	})
	if err != nil {
		return id, err
	}
	if s, ok := h.streams[id]; ok && s.trapped != nil {
		return id, s.trapped
	}
	h.streams[id] = &stream{root: h.rootID}
	return id, nil
}

func (h *HostEmulator) stream(id proxywasm.ContextID) *stream {
	s, ok := h.streams[id]
	if !ok {
		// Unknown to the host as well: still dispatch so guest behavior for
		// stale ids can be observed.
		s = &stream{}
		h.streams[id] = s
	}
	return s
}

// guard runs fn as a sandboxed call: a panic escaping the guest becomes a
// recorded trap instead of crashing the test.
func (h *HostEmulator) guard(id proxywasm.ContextID, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			err, ok := v.(error)
			if !ok {
				err = fmt.Errorf("trap: %v", v)
			}
			h.traps = append(h.traps, err)
			s := h.stream(id)
			s.trapped = err
			s.closed = true
		}
	}()
	fn()
}

func (h *HostEmulator) call(id proxywasm.ContextID, fn func() proxywasm.Action) proxywasm.Action {
	s := h.stream(id)
	h.effective = id
	action := proxywasm.ActionContinue
	h.guard(id, func() { action = fn() })
	if action == proxywasm.ActionPause && s.trapped == nil {
		s.paused = true
		s.pausedAt = h.now()
	}
	return action
}

// CallOnRequestHeaders hands request headers to the stream.
func (h *HostEmulator) CallOnRequestHeaders(id proxywasm.ContextID, headers [][2]string, endOfStream bool) proxywasm.Action {
	s := h.stream(id)
	s.reqHeaders = lower(headers)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnRequestHeaders(id, len(s.reqHeaders), endOfStream)
	})
}

// CallOnRequestBody hands a request body chunk to the stream.
func (h *HostEmulator) CallOnRequestBody(id proxywasm.ContextID, body []byte, endOfStream bool) proxywasm.Action {
	s := h.stream(id)
	s.reqBody = append(s.reqBody, body...)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnRequestBody(id, len(s.reqBody), endOfStream)
	})
}

// CallOnRequestTrailers hands request trailers to the stream.
func (h *HostEmulator) CallOnRequestTrailers(id proxywasm.ContextID, trailers [][2]string) proxywasm.Action {
	s := h.stream(id)
	s.reqTrailers = lower(trailers)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnRequestTrailers(id, len(s.reqTrailers))
	})
}

// CallOnResponseHeaders hands response headers to the stream.
func (h *HostEmulator) CallOnResponseHeaders(id proxywasm.ContextID, headers [][2]string, endOfStream bool) proxywasm.Action {
	s := h.stream(id)
	s.respHeaders = lower(headers)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnResponseHeaders(id, len(s.respHeaders), endOfStream)
	})
}

// CallOnResponseBody hands a response body chunk to the stream.
func (h *HostEmulator) CallOnResponseBody(id proxywasm.ContextID, body []byte, endOfStream bool) proxywasm.Action {
	s := h.stream(id)
	s.respBody = append(s.respBody, body...)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnResponseBody(id, len(s.respBody), endOfStream)
	})
}

// CallOnResponseTrailers hands response trailers to the stream.
func (h *HostEmulator) CallOnResponseTrailers(id proxywasm.ContextID, trailers [][2]string) proxywasm.Action {
	s := h.stream(id)
	s.respTrailers = lower(trailers)
	return h.call(id, func() proxywasm.Action {
		return h.dispatcher.OnResponseTrailers(id, len(s.respTrailers))
	})
}

// CompleteHttpContext closes the stream: done, log, delete.
func (h *HostEmulator) CompleteHttpContext(id proxywasm.ContextID) {
	s := h.stream(id)
	h.effective = id
	h.guard(id, func() {
		h.dispatcher.OnDone(id)
		h.dispatcher.OnLog(id)
		h.dispatcher.OnDelete(id)
	})
	s.closed = true
}

// GetRequestHeaders returns the stream's current request headers.
func (h *HostEmulator) GetRequestHeaders(id proxywasm.ContextID) [][2]string {
	return h.stream(id).reqHeaders.Pairs()
}

// GetResponseHeaders returns the stream's current response headers.
func (h *HostEmulator) GetResponseHeaders(id proxywasm.ContextID) [][2]string {
	return h.stream(id).respHeaders.Pairs()
}

// GetRequestBody returns the stream's current request body.
func (h *HostEmulator) GetRequestBody(id proxywasm.ContextID) []byte {
	return append([]byte(nil), h.stream(id).reqBody...)
}

// GetResponseBody returns the stream's current response body.
func (h *HostEmulator) GetResponseBody(id proxywasm.ContextID) []byte {
	return append([]byte(nil), h.stream(id).respBody...)
}

// GetLocalResponse returns the synthetic response the stream sent, if any.
func (h *HostEmulator) GetLocalResponse(id proxywasm.ContextID) *LocalResponse {
	return h.stream(id).local
}

// Resumes returns how many times the guest resumed the stream.
func (h *HostEmulator) Resumes(id proxywasm.ContextID) int {
	return h.stream(id).resumes
}

// Trapped returns the trap recorded for the stream, if any.
func (h *HostEmulator) Trapped(id proxywasm.ContextID) error {
	return h.stream(id).trapped
}

// Traps returns every trap and context creation failure seen so far.
func (h *HostEmulator) Traps() []error {
	return append([]error(nil), h.traps...)
}

// StuckStreams returns the open streams that returned ActionPause and have not
// been resumed for longer than after.
func (h *HostEmulator) StuckStreams(after time.Duration) []proxywasm.ContextID {
	now := h.now()
	var ids []proxywasm.ContextID
	for id, s := range h.streams {
		if s.paused && !s.closed && now.Sub(s.pausedAt) > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetLogs returns the messages logged at level.
func (h *HostEmulator) GetLogs(level proxywasm.LogLevel) []string {
	var out []string
	for _, e := range h.logs {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// AllLogs returns every log entry.
func (h *HostEmulator) AllLogs() []LogEntry {
	return append([]LogEntry(nil), h.logs...)
}

func lower(pairs [][2]string) headermap.Map {
	m := make(headermap.Map, 0, len(pairs))
	for _, p := range pairs {
		m = append(m, [2]string{strings.ToLower(p[0]), p[1]})
	}
	return m
}

// Host implementation.

var errNoStream = &proxywasm.StatusError{Call: "effective context", Status: proxywasm.StatusBadArgument}

func (h *HostEmulator) effectiveStream() (*stream, error) {
	s, ok := h.streams[h.effective]
	if !ok || s.closed {
		return nil, errNoStream
	}
	return s, nil
}

func (h *HostEmulator) headerMap(mt proxywasm.MapType) (*headermap.Map, error) {
	s, err := h.effectiveStream()
	if err != nil {
		return nil, err
	}
	switch mt {
	case proxywasm.MapTypeHttpRequestHeaders:
		return &s.reqHeaders, nil
	case proxywasm.MapTypeHttpRequestTrailers:
		return &s.reqTrailers, nil
	case proxywasm.MapTypeHttpResponseHeaders:
		return &s.respHeaders, nil
	case proxywasm.MapTypeHttpResponseTrailers:
		return &s.respTrailers, nil
	}
	return nil, &proxywasm.StatusError{Call: "header map", Status: proxywasm.StatusBadArgument}
}

func (h *HostEmulator) GetHeaderMapValue(mt proxywasm.MapType, key string) (string, error) {
	m, err := h.headerMap(mt)
	if err != nil {
		return "", err
	}
	v, ok := m.Get(key)
	if !ok {
		return "", &proxywasm.StatusError{Call: "proxy_get_header_map_value", Status: proxywasm.StatusNotFound}
	}
	return v, nil
}

func (h *HostEmulator) GetHeaderMapPairs(mt proxywasm.MapType) ([][2]string, error) {
	m, err := h.headerMap(mt)
	if err != nil {
		return nil, err
	}
	return m.Pairs(), nil
}

func (h *HostEmulator) ReplaceHeaderMapValue(mt proxywasm.MapType, key, value string) error {
	m, err := h.headerMap(mt)
	if err != nil {
		return err
	}
	m.Replace(key, value)
	return nil
}

func (h *HostEmulator) AddHeaderMapValue(mt proxywasm.MapType, key, value string) error {
	m, err := h.headerMap(mt)
	if err != nil {
		return err
	}
	m.Add(key, value)
	return nil
}

func (h *HostEmulator) RemoveHeaderMapValue(mt proxywasm.MapType, key string) error {
	m, err := h.headerMap(mt)
	if err != nil {
		return err
	}
	m.Remove(key)
	return nil
}

func (h *HostEmulator) buffer(bt proxywasm.BufferType) (*[]byte, error) {
	switch bt {
	case proxywasm.BufferTypePluginConfiguration:
		return &h.pluginConfig, nil
	case proxywasm.BufferTypeVMConfiguration:
		return &h.vmConfig, nil
	}
	s, err := h.effectiveStream()
	if err != nil {
		return nil, err
	}
	switch bt {
	case proxywasm.BufferTypeHttpRequestBody:
		return &s.reqBody, nil
	case proxywasm.BufferTypeHttpResponseBody:
		return &s.respBody, nil
	}
	return nil, &proxywasm.StatusError{Call: "buffer", Status: proxywasm.StatusBadArgument}
}

func (h *HostEmulator) GetBufferBytes(bt proxywasm.BufferType, start, maxSize int) ([]byte, error) {
	buf, err := h.buffer(bt)
	if err != nil {
		return nil, err
	}
	data := *buf
	if start < 0 || maxSize < 0 || start > len(data) {
		return nil, &proxywasm.StatusError{Call: "proxy_get_buffer_bytes", Status: proxywasm.StatusBadArgument}
	}
	end := start + maxSize
	if end > len(data) {
		end = len(data)
	}
	if start == end {
		return nil, &proxywasm.StatusError{Call: "proxy_get_buffer_bytes", Status: proxywasm.StatusEmpty}
	}
	return append([]byte(nil), data[start:end]...), nil
}

func (h *HostEmulator) SetBufferBytes(bt proxywasm.BufferType, start, size int, data []byte) error {
	if bt != proxywasm.BufferTypeHttpRequestBody && bt != proxywasm.BufferTypeHttpResponseBody {
		return &proxywasm.StatusError{Call: "proxy_set_buffer_bytes", Status: proxywasm.StatusBadArgument}
	}
	buf, err := h.buffer(bt)
	if err != nil {
		return err
	}
	*buf = spliceBuffer(*buf, start, size, data)
	return nil
}

func spliceBuffer(buf []byte, start, size int, data []byte) []byte {
	if start < 0 {
		start = 0
	}
	if start > len(buf) {
		start = len(buf)
	}
	end := start + size
	if size < 0 || end > len(buf) {
		end = len(buf)
	}
	out := make([]byte, 0, len(buf)-(end-start)+len(data))
	out = append(out, buf[:start]...)
	out = append(out, data...)
	return append(out, buf[end:]...)
}

func (h *HostEmulator) ContinueStream(proxywasm.StreamType) error {
	s, err := h.effectiveStream()
	if err != nil {
		return err
	}
	if !s.paused {
		return &proxywasm.StatusError{Call: "proxy_continue_stream", Status: proxywasm.StatusBadArgument}
	}
	s.paused = false
	s.resumes++
	return nil
}

func (h *HostEmulator) SendLocalResponse(statusCode uint32, details string, body []byte, headers [][2]string, grpcStatus int32) error {
	s, err := h.effectiveStream()
	if err != nil {
		return err
	}
	s.local = &LocalResponse{
		StatusCode: statusCode,
		Details:    details,
		Body:       append([]byte(nil), body...),
		Headers:    headers,
		GrpcStatus: grpcStatus,
	}
	return nil
}

func (h *HostEmulator) SetEffectiveContext(id proxywasm.ContextID) error {
	if _, ok := h.streams[id]; !ok && id != h.rootID {
		return &proxywasm.StatusError{Call: "proxy_set_effective_context", Status: proxywasm.StatusBadArgument}
	}
	h.effective = id
	return nil
}

func (h *HostEmulator) Log(level proxywasm.LogLevel, msg string) error {
	h.logs = append(h.logs, LogEntry{Level: level, Message: msg})
	return nil
}

// IsTrap reports whether err came from a guest panic.
func IsTrap(err error) bool {
	var pe *proxywasm.PanicError
	return errors.As(err, &pe)
}

var _ proxywasm.Host = (*HostEmulator)(nil)
