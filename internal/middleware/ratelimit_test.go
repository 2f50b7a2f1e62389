package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/libris/internal/model"
)

func testRateLimiterConfig(generalBurst, suggestBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    generalBurst,
		SuggestRate:     1,
		SuggestBurst:    suggestBurst,
		CleanupInterval: time.Minute,
	}
}

// requestAs は実行者をコンテキストに注入したリクエストを生成する。
func requestAs(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	p := &model.Principal{UserID: userID, Role: model.RoleMember}
	return req.WithContext(ContextWithPrincipal(req.Context(), p))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		if rec := serve(handler, requestAs("user-1")); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	serve(handler, requestAs("user-retry"))
	rec := serve(handler, requestAs("user-retry"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want a positive number of seconds", rec.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("429 response should be JSON: %v", err)
	}
	if body.Code != errCodeRateLimited || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	serve(handler, requestAs("user-a"))
	if rec := serve(handler, requestAs("user-a")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("user-a second request: status = %d, want 429", rec.Code)
	}
	if rec := serve(handler, requestAs("user-b")); rec.Code != http.StatusOK {
		t.Errorf("user-b: status = %d, want 200", rec.Code)
	}
	if n := rl.GeneralLimiterCount(); n != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", n)
	}
}

func TestRateLimitMiddleware_NoPrincipal_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/books", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSuggestionRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	suggest := rl.SuggestionMiddleware()(okHandler())

	if rec := serve(suggest, requestAs("user-s")); rec.Code != http.StatusOK {
		t.Fatalf("first suggestion: status = %d", rec.Code)
	}
	if rec := serve(suggest, requestAs("user-s")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second suggestion: status = %d, want 429", rec.Code)
	}
	// 文章提案の上限に達しても一般APIは利用できる
	if rec := serve(general, requestAs("user-s")); rec.Code != http.StatusOK {
		t.Errorf("general request: status = %d, want 200", rec.Code)
	}
	if rl.SuggestLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", rl.GeneralLimiterCount(), rl.SuggestLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 5))
	defer rl.Stop()

	serve(rl.GeneralMiddleware()(okHandler()), requestAs("user-idle"))
	serve(rl.SuggestionMiddleware()(okHandler()), requestAs("user-idle"))

	// TTL（CleanupIntervalの2倍）以内は残る
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 1 || rl.SuggestLimiterCount() != 1 {
		t.Fatalf("entries removed too early: %d/%d", rl.GeneralLimiterCount(), rl.SuggestLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.SuggestLimiterCount() != 0 {
		t.Errorf("entries after cleanup = %d/%d, want 0/0", rl.GeneralLimiterCount(), rl.SuggestLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralRate != 2.0 { // 120/60
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SuggestBurst != 10 || cfg.SuggestRate == 0 {
		t.Errorf("SuggestRate = %f, SuggestBurst = %d", cfg.SuggestRate, cfg.SuggestBurst)
	}

	custom := NewRateLimiterConfig(60, 0)
	if custom.GeneralRate != 1.0 || custom.GeneralBurst != 60 {
		t.Errorf("custom general = %f/%d, want 1.0/60", custom.GeneralRate, custom.GeneralBurst)
	}
	if custom.SuggestBurst != 10 {
		t.Errorf("custom SuggestBurst = %d, want default 10", custom.SuggestBurst)
	}
}
