package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/libris/internal/model"
)

func TestRecoveryMiddleware_PanicReturns500(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/books", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	assertErrorCode(t, rec, model.ErrCodeInternal)
}

func TestRecoveryMiddleware_NoPanicPassesThrough(t *testing.T) {
	rec := serve(NewRecoveryMiddleware()(okHandler()), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSecurityHeadersMiddleware_SetsHeaders(t *testing.T) {
	rec := serve(NewSecurityHeadersMiddleware()(okHandler()), httptest.NewRequest(http.MethodGet, "/api/books", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
