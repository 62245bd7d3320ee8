package filter

import (
	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/proxywasm"
)

// Stream is the per-exchange context. It never pauses.
type Stream struct {
	proxywasm.DefaultStreamContext

	id     proxywasm.ContextID
	host   proxywasm.Host
	config *Config
	logger *zap.Logger

	// per-request state, copied out of host buffers
	path      string
	headerSet bool
}

func (s *Stream) OnRequestHeaders(numHeaders int, endOfStream bool) proxywasm.Action {
	if path, err := s.host.GetHeaderMapValue(proxywasm.MapTypeHttpRequestHeaders, ":path"); err == nil {
		s.path = path
	}
	return proxywasm.ActionContinue
}

// OnResponseHeaders sets the configured header once per exchange. A failed
// host call is logged and the exchange continues without the header.
func (s *Stream) OnResponseHeaders(numHeaders int, endOfStream bool) proxywasm.Action {
	if s.headerSet {
		return proxywasm.ActionContinue
	}
	s.headerSet = true
	if err := proxywasm.SetResponseHeader(s.host, s.config.HeaderName, s.config.HeaderValue); err != nil {
		s.logger.Error("failed to set response header",
			zap.String("header_name", s.config.HeaderName),
			zap.Error(err))
	}
	return proxywasm.ActionContinue
}

func (s *Stream) OnLogComplete() {
	s.logger.Debug("exchange complete",
		zap.String("path", s.path),
		zap.Bool("header_set", s.headerSet))
}

var _ proxywasm.StreamContext = (*Stream)(nil)
