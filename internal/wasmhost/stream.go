package wasmhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/internal/headermap"
	"github.com/wudi/wasmfilter/internal/middleware"
	"github.com/wudi/wasmfilter/proxywasm"
)

// maxRequestBody bounds the request body handed to the guest.
const maxRequestBody = 16 << 20

// Middleware runs every exchange through the plugin around next.
func (p *Plugin) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.serve(w, r, next)
		})
	}
}

func (p *Plugin) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordRequest(p.name, r.Method, rec.status, time.Since(start))
		}
	}()

	if p.loadErr != nil {
		p.unavailable(rec, r, next, p.loadErr)
		return
	}
	done, err := p.breaker.Allow()
	if err != nil {
		p.recordDecision(decisionBreakerOpen)
		p.unavailable(rec, r, next, err)
		return
	}

	in, err := p.pick(r.Context())
	if err != nil {
		done(err)
		p.logger.Error("no instance available", zap.Error(err))
		p.unavailable(rec, r, next, err)
		return
	}

	s := &stream{p: p, in: in, w: rec, r: r, next: next}
	done(s.run())
}

// response is a complete HTTP response held by the host while the guest
// inspects it.
type response struct {
	status  int
	header  http.Header
	body    []byte
	trailer http.Header
}

// stream drives one exchange through its phases on one pinned instance.
type stream struct {
	p    *Plugin
	in   *instance
	ex   *exchange
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	orig *http.Request
}

func (s *stream) run() error {
	ctx := s.r.Context()

	body, err := readBody(s.r)
	if err != nil {
		http.Error(s.w, "failed to read request body", http.StatusBadRequest)
		return nil
	}
	s.orig = s.r.Clone(ctx)
	s.orig.Body = io.NopCloser(bytes.NewReader(body))
	s.orig.ContentLength = int64(len(body))

	ex, err := s.in.openStream(ctx, s.p.newStreamID())
	if err != nil {
		return s.fail(err, s.forwardOriginal)
	}
	s.ex = ex
	defer s.in.closeStream(ctx, ex)
	if s.p.metrics != nil {
		s.p.metrics.StreamStarted(s.p.name)
		defer s.p.metrics.StreamEnded(s.p.name)
	}

	var nHeaders, nTrailers int
	s.in.withExchange(ex, func(ex *exchange) {
		ex.reqHeaders = headermap.FromRequest(s.r)
		ex.reqTrailers = headermap.FromTrailer(s.r.Trailer)
		ex.reqBody = body
		nHeaders, nTrailers = len(ex.reqHeaders), len(ex.reqTrailers)
	})

	if err := s.requestPhases(ctx, nHeaders, len(body), nTrailers); err != nil {
		return s.fail(err, s.forwardOriginal)
	}
	if local := s.local(); local != nil {
		return s.respond(ctx, local)
	}

	s.in.withExchange(ex, func(ex *exchange) {
		ex.reqHeaders.ApplyToRequest(s.r)
		s.r.Header.Del("Content-Length")
		s.r.Body = io.NopCloser(bytes.NewReader(ex.reqBody))
		s.r.ContentLength = int64(len(ex.reqBody))
		s.r.Trailer = nil
	})

	bw := &bufferedResponseWriter{header: make(http.Header), body: &bytes.Buffer{}, code: http.StatusOK}
	s.next.ServeHTTP(bw, s.r)
	return s.respond(ctx, bw.response())
}

// requestPhases delivers headers, body and trailers, then waits for any
// pause to be resumed. Body and trailers are delivered even while headers
// are paused: the guest typically resumes from a later callback.
func (s *stream) requestPhases(ctx context.Context, nHeaders, bodySize, nTrailers int) error {
	id := uint64(s.ex.id)
	st := proxywasm.StreamTypeRequest

	if _, err := s.in.phase(ctx, s.ex, st, exportRequestHeaders, id, uint64(nHeaders), boolArg(bodySize == 0 && nTrailers == 0)); err != nil {
		return err
	}
	if s.local() != nil {
		return nil
	}
	if bodySize > 0 {
		if _, err := s.in.phase(ctx, s.ex, st, exportRequestBody, id, uint64(bodySize), boolArg(nTrailers == 0)); err != nil {
			return err
		}
	}
	if nTrailers > 0 && s.local() == nil {
		if _, err := s.in.phase(ctx, s.ex, st, exportRequestTrailers, id, uint64(nTrailers)); err != nil {
			return err
		}
	}
	return s.await(ctx, st)
}

// respond runs the response phases over resp and writes the result. A guest
// failure at this point flushes resp as received under fail-open.
func (s *stream) respond(ctx context.Context, resp *response) error {
	id := uint64(s.ex.id)
	st := proxywasm.StreamTypeResponse

	var nHeaders, nTrailers int
	s.in.withExchange(s.ex, func(ex *exchange) {
		ex.local = nil
		ex.haveResponse = true
		ex.respHeaders = headermap.FromResponse(resp.status, resp.header)
		ex.respTrailers = headermap.FromTrailer(resp.trailer)
		ex.respBody = resp.body
		nHeaders, nTrailers = len(ex.respHeaders), len(ex.respTrailers)
	})
	flush := func() { writeResponse(s.w, s.r, resp) }

	_, err := s.in.phase(ctx, s.ex, st, exportResponseHeaders, id, uint64(nHeaders), boolArg(len(resp.body) == 0 && nTrailers == 0))
	if err == nil && len(resp.body) > 0 && s.local() == nil {
		_, err = s.in.phase(ctx, s.ex, st, exportResponseBody, id, uint64(len(resp.body)), boolArg(nTrailers == 0))
	}
	if err == nil && nTrailers > 0 && s.local() == nil {
		_, err = s.in.phase(ctx, s.ex, st, exportResponseTrailers, id, uint64(nTrailers))
	}
	if err == nil {
		err = s.await(ctx, st)
	}
	if err != nil {
		return s.fail(err, flush)
	}

	if local := s.local(); local != nil {
		writeResponse(s.w, s.r, local)
		return nil
	}

	var out *response
	s.in.withExchange(s.ex, func(ex *exchange) {
		status, header := ex.respHeaders.ToResponse(resp.status)
		_, trailer := ex.respTrailers.ToResponse(0)
		out = &response{status: status, header: header, body: ex.respBody, trailer: trailer}
	})
	writeResponse(s.w, s.r, out)
	return nil
}

// await blocks while direction st is paused, without holding the instance,
// until the guest resumes it, replies locally, or the pause times out.
func (s *stream) await(ctx context.Context, st proxywasm.StreamType) error {
	if !s.in.isPaused(s.ex, st) {
		return nil
	}
	if s.p.metrics != nil {
		s.p.metrics.StreamPaused(s.p.name)
		defer s.p.metrics.StreamResumed(s.p.name)
	}

	timeout := s.p.cfg.PauseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ex.resume:
			if !s.in.isPaused(s.ex, st) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s direction paused for %s", ErrPauseTimeout, streamName(st), timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func streamName(st proxywasm.StreamType) string {
	if st == proxywasm.StreamTypeResponse {
		return "response"
	}
	return "request"
}

// local returns the pending local reply, if the guest sent one.
func (s *stream) local() *response {
	var out *response
	s.in.withExchange(s.ex, func(ex *exchange) {
		if ex.local == nil {
			return
		}
		h := make(http.Header, len(ex.local.headers))
		for _, kv := range ex.local.headers {
			h.Add(kv[0], kv[1])
		}
		if ex.local.grpcStatus >= 0 {
			h.Set("grpc-status", strconv.Itoa(int(ex.local.grpcStatus)))
		}
		out = &response{status: ex.local.status, header: h, body: ex.local.body}
	})
	return out
}

func (s *stream) forwardOriginal() {
	s.next.ServeHTTP(s.w, s.orig)
}

// fail applies the failure policy and returns err for breaker accounting.
// A client that went away gets no response.
func (s *stream) fail(err error, forward func()) error {
	if errors.Is(err, context.Canceled) {
		s.p.logger.Debug("client went away", zap.Error(err))
		return err
	}
	s.p.failed(s.w, s.r, err, forward)
	return err
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return body, nil
}

// writeResponse writes resp to w. Headers set earlier in the chain, like the
// request id, are kept unless resp overrides them.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *response) {
	h := w.Header()
	for k, vals := range resp.header {
		h[k] = vals
	}
	h.Del("Trailer")
	for k := range resp.trailer {
		h.Add("Trailer", k)
	}
	if r.Method != http.MethodHead && bodyAllowed(resp.status) {
		if len(resp.trailer) > 0 {
			h.Del("Content-Length")
		} else {
			h.Set("Content-Length", strconv.Itoa(len(resp.body)))
		}
	}
	w.WriteHeader(resp.status)
	if len(resp.body) > 0 && r.Method != http.MethodHead {
		w.Write(resp.body)
	}
	for k, vals := range resp.trailer {
		h[k] = vals
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// bufferedResponseWriter captures the upstream response so the guest can
// inspect and modify it before anything reaches the client.
type bufferedResponseWriter struct {
	header      http.Header
	body        *bytes.Buffer
	code        int
	wroteHeader bool
}

func (bw *bufferedResponseWriter) Header() http.Header {
	return bw.header
}

func (bw *bufferedResponseWriter) Write(b []byte) (int, error) {
	if !bw.wroteHeader {
		bw.wroteHeader = true
	}
	return bw.body.Write(b)
}

func (bw *bufferedResponseWriter) WriteHeader(code int) {
	if bw.wroteHeader {
		return
	}
	bw.wroteHeader = true
	bw.code = code
}

func (bw *bufferedResponseWriter) Flush() {}

// response splits trailers, announced through the Trailer header or set
// with the http.TrailerPrefix convention, from the regular headers.
func (bw *bufferedResponseWriter) response() *response {
	header := bw.header.Clone()
	trailer := make(http.Header)
	for _, list := range header.Values("Trailer") {
		for _, k := range strings.Split(list, ",") {
			k = http.CanonicalHeaderKey(strings.TrimSpace(k))
			if vals, ok := header[k]; ok && k != "" {
				trailer[k] = vals
				delete(header, k)
			}
		}
	}
	header.Del("Trailer")
	for k, vals := range header {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			trailer[http.CanonicalHeaderKey(strings.TrimPrefix(k, http.TrailerPrefix))] = vals
			delete(header, k)
		}
	}
	return &response{status: bw.code, header: header, body: bw.body.Bytes(), trailer: trailer}
}

// statusRecorder remembers the status written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
