package wasmhost

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/wudi/wasmfilter/proxywasm"
)

// newBareInstance returns an instance with one exchange set as the effective
// context, for exercising host calls without a guest.
func newBareInstance(logger *zap.Logger) (*instance, *exchange) {
	ex := newExchange(7)
	in := &instance{
		plugin:    "p",
		exchanges: map[proxywasm.ContextID]*exchange{7: ex},
		effective: 7,
		logger:    logger,
	}
	return in, ex
}

func TestSetBufferBytes(t *testing.T) {
	tests := []struct {
		name        string
		start, size int
		data        string
		want        string
		wantStatus  proxywasm.Status
	}{
		{name: "replace", start: 0, size: 5, data: "HELLO", want: "HELLO"},
		{name: "replace larger size", start: 0, size: 100, data: "x", want: "x"},
		{name: "prepend", start: 0, size: 0, data: ">>", want: ">>hello"},
		{name: "append", start: 5, size: 0, data: "!", want: "hello!"},
		{name: "splice", start: 1, size: 2, data: "y", want: "hello", wantStatus: proxywasm.StatusUnimplemented},
		{name: "negative", start: -1, size: 0, data: "y", want: "hello", wantStatus: proxywasm.StatusBadArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ex := newBareInstance(zap.NewNop())
			ex.reqBody = []byte("hello")
			st := in.setBufferBytes(proxywasm.BufferTypeHttpRequestBody, tt.start, tt.size, []byte(tt.data))
			if st != tt.wantStatus {
				t.Fatalf("status = %v, want %v", st, tt.wantStatus)
			}
			if string(ex.reqBody) != tt.want {
				t.Errorf("body = %q, want %q", ex.reqBody, tt.want)
			}
		})
	}
}

func TestGetBufferBytes(t *testing.T) {
	in, ex := newBareInstance(zap.NewNop())
	if _, st := in.getBufferBytes(proxywasm.BufferTypeHttpRequestBody, 0, 10); st != proxywasm.StatusEmpty {
		t.Errorf("empty body status = %v", st)
	}
	ex.reqBody = []byte("hello")
	got, st := in.getBufferBytes(proxywasm.BufferTypeHttpRequestBody, 1, 3)
	if st != proxywasm.StatusOK || string(got) != "ell" {
		t.Errorf("got %q, %v", got, st)
	}
	got[0] = 'X'
	if string(ex.reqBody) != "hello" {
		t.Error("returned slice aliases the host buffer")
	}
	if _, st := in.getBufferBytes(proxywasm.BufferTypeHttpResponseBody, 0, 1); st != proxywasm.StatusBadArgument {
		t.Errorf("response body before response = %v", st)
	}
}

func TestContinueStream(t *testing.T) {
	in, ex := newBareInstance(zap.NewNop())
	if st := in.continueStream(proxywasm.StreamTypeRequest); st != proxywasm.StatusBadArgument {
		t.Errorf("continue without pause = %v", st)
	}
	ex.paused[proxywasm.StreamTypeRequest] = true
	if st := in.continueStream(proxywasm.StreamTypeRequest); st != proxywasm.StatusOK {
		t.Fatalf("continue = %v", st)
	}
	select {
	case <-ex.resume:
	default:
		t.Error("resume not signalled")
	}
	if ex.paused[proxywasm.StreamTypeRequest] {
		t.Error("still paused")
	}
}

func TestSendLocalResponseValidatesStatus(t *testing.T) {
	in, ex := newBareInstance(zap.NewNop())
	if st := in.sendLocalResponse(42, "", nil, nil, -1); st != proxywasm.StatusBadArgument {
		t.Errorf("status 42 accepted: %v", st)
	}
	if st := in.sendLocalResponse(418, "teapot", []byte("short"), nil, -1); st != proxywasm.StatusOK {
		t.Fatalf("sendLocalResponse = %v", st)
	}
	if ex.local == nil || ex.local.status != 418 {
		t.Errorf("local = %+v", ex.local)
	}
}

func TestSetEffectiveContext(t *testing.T) {
	in, _ := newBareInstance(zap.NewNop())
	if st := in.setEffectiveContext(99); st != proxywasm.StatusBadArgument {
		t.Errorf("unknown id = %v", st)
	}
	if st := in.setEffectiveContext(rootContextID); st != proxywasm.StatusOK || in.effective != rootContextID {
		t.Errorf("root = %v, effective %d", st, in.effective)
	}
}

func TestGuestLogRateLimited(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	in, _ := newBareInstance(zap.New(core).With(zap.String("plugin", "p")))
	in.logLimit = rate.NewLimiter(0, 2)

	for i := 0; i < 5; i++ {
		in.log(proxywasm.LogLevelWarn, "noisy")
	}
	if n := logs.FilterMessage("wasm plugin").Len(); n != 2 {
		t.Errorf("logged %d lines, want 2", n)
	}
	for _, entry := range logs.All() {
		n := 0
		for _, f := range entry.Context {
			if f.Key == "plugin" {
				n++
			}
		}
		if n != 1 {
			t.Errorf("guest log line carries %d plugin fields, want 1", n)
		}
	}
	if in.dropped != 3 {
		t.Errorf("dropped = %d, want 3", in.dropped)
	}
	if st := in.log(proxywasm.LogLevel(9), "bad"); st != proxywasm.StatusBadArgument {
		t.Errorf("invalid level = %v", st)
	}
}
