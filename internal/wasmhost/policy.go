package wasmhost

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	fe "github.com/wudi/wasmfilter/internal/errors"
	"github.com/wudi/wasmfilter/internal/middleware"
	"github.com/wudi/wasmfilter/proxywasm"
)

// Policy decisions, as recorded by the policy_decisions_total metric.
const (
	decisionFailOpen    = "fail_open"
	decisionFailClosed  = "fail_closed"
	decisionTimeout     = "timeout"
	decisionBreakerOpen = "breaker_open"
)

func (p *Plugin) recordDecision(decision string) {
	if p.metrics != nil {
		p.metrics.RecordPolicy(p.name, decision)
	}
}

// unavailable handles an exchange the plugin cannot take at all: it failed
// to load, its breaker is open, or no instance could be built. Fail-open
// forwards the exchange untouched, fail-closed answers 503.
func (p *Plugin) unavailable(w http.ResponseWriter, r *http.Request, next http.Handler, cause error) {
	if p.cfg.FailOpen {
		p.recordDecision(decisionFailOpen)
		next.ServeHTTP(w, r)
		return
	}
	p.recordDecision(decisionFailClosed)
	p.writeError(w, r, fe.ErrPluginUnavailable.WithCause(cause))
}

// failed handles an error raised while driving a stream. Timeouts abort the
// stream with 504 whatever the policy. A trap under fail-open lets the
// exchange through as if the filter were absent: forward replays the
// original request, or flushes the upstream response when it already exists.
func (p *Plugin) failed(w http.ResponseWriter, r *http.Request, err error, forward func()) {
	logger := p.logger.With(
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.Error(err))

	if errors.Is(err, proxywasm.ErrCallbackTimeout) || errors.Is(err, ErrPauseTimeout) {
		p.recordDecision(decisionTimeout)
		logger.Error("stream aborted on timeout")
		p.writeError(w, r, fe.ErrFilterTimeout.WithCause(err))
		return
	}

	if p.cfg.FailOpen && forward != nil {
		p.recordDecision(decisionFailOpen)
		logger.Error("guest failure, passing exchange through")
		forward()
		return
	}
	p.recordDecision(decisionFailClosed)
	logger.Error("guest failure, rejecting exchange")
	p.writeError(w, r, fe.ErrFilterFailure.WithCause(err))
}

func (p *Plugin) writeError(w http.ResponseWriter, r *http.Request, e *fe.FilterError) {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		e = e.WithRequestID(id)
	}
	e.WriteJSON(w)
}
