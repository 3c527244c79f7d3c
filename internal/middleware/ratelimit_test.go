package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		LoginRate:       0.5,
		LoginBurst:      1,
		CleanupInterval: time.Minute,
	}
}

// --- GeneralMiddleware (subject単位) のテスト ---

func TestRateLimiter_General_Returns429WhenLimitExceeded(t *testing.T) {
	kit := newTestKit(t)
	claims, _, _ := kit.login(t, "user-rate-limit")

	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req = req.WithContext(ContextWithClaims(req.Context(), claims))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		if w := send(); w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	w := send()
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
	if got := w.Result().Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
	if body := decodeErrorBody(t, w); body.Reason != model.ErrCodeRateLimited {
		t.Errorf("reason = %q, want %q", body.Reason, model.ErrCodeRateLimited)
	}
}

func TestRateLimiter_General_IndependentPerSubject(t *testing.T) {
	kit := newTestKit(t)
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler)

	for _, subject := range []string{"user-a", "user-b", "user-c"} {
		claims, _, _ := kit.login(t, subject)
		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			req = req.WithContext(ContextWithClaims(req.Context(), claims))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Result().StatusCode != http.StatusOK {
				t.Errorf("%s request %d: status = %d, want %d", subject, i, w.Result().StatusCode, http.StatusOK)
			}
		}
	}
	if got := rl.GeneralLimiterCount(); got != 3 {
		t.Errorf("GeneralLimiterCount = %d, want 3", got)
	}
}

func TestRateLimiter_General_AnonymousPassesThrough(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}
	if got := rl.GeneralLimiterCount(); got != 0 {
		t.Errorf("GeneralLimiterCount = %d, want 0", got)
	}
}

// --- LoginMiddleware (IP単位) のテスト ---

func TestRateLimiter_Login_PerClientIP(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.LoginMiddleware()(okHandler)

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	if got := send("192.0.2.1:1111"); got != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", got, http.StatusOK)
	}
	// ポートが異なっても同じIPとして扱う
	if got := send("192.0.2.1:2222"); got != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want %d", got, http.StatusTooManyRequests)
	}
	if got := send("192.0.2.2:1111"); got != http.StatusOK {
		t.Errorf("other ip: status = %d, want %d", got, http.StatusOK)
	}
	if got := rl.LoginLimiterCount(); got != 2 {
		t.Errorf("LoginLimiterCount = %d, want 2", got)
	}
}

func TestRateLimiter_Login_RetryAfter(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.LoginMiddleware()(okHandler)

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, httptest.NewRequest(http.MethodPost, "/dev/fixture-login", nil))
	}
	if got, _ := strconv.Atoi(last.Result().Header.Get("Retry-After")); got != 2 {
		t.Errorf("Retry-After = %d, want 2", got)
	}
}

// --- クリーンアップ ---

func TestRateLimiter_Cleanup_RemovesStaleEntries(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.CleanupInterval = time.Hour
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.general.get("fresh")
	rl.login.get("stale")
	rl.login.limiters["stale"].lastAccess = time.Now().Add(-3 * time.Hour)

	rl.cleanup()

	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", got)
	}
	if got := rl.LoginLimiterCount(); got != 0 {
		t.Errorf("LoginLimiterCount = %d, want 0", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	rl.Stop()
	rl.Stop()
}
