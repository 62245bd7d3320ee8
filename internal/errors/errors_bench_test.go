package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSON_Base(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrFilterFailure.WriteJSON(w)
	}
}

func BenchmarkWriteJSON_WithDetails(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrFilterFailure.WithDetails("guest trapped in proxy_on_response_headers").WriteJSON(w)
	}
}
