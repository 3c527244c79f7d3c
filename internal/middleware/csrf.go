package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
)

// sessionFingerprint はコンテキストのセッションに対応するフィンガープリントを返す。
// セッションがない場合は匿名コンテキストの空文字列。
func sessionFingerprint(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.Fingerprint()
	}
	return ""
}

// NewCSRFMiddleware はダブルサブミットトークンを検証するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークン検証をスキップする。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はCookieとヘッダの一致と、
// 現在のセッションへの束縛を必須とする。セッションミドルウェアの後に配置する。
func NewCSRFMiddleware(engine *csrf.Engine, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if csrf.IsSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if err := engine.ValidateRequest(r, sessionFingerprint(r)); err != nil {
				reason := csrf.ReasonMissing
				var ce *csrf.Error
				if errors.As(err, &ce) {
					reason = ce.Reason
				}
				collector.RecordCSRFRejection(reason)
				slog.Warn("CSRF validation failed",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFError(reason))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /auth/csrf
// 既存のCookieが現在のセッションに束縛されていればそれを返し、なければ新規発行する。
func NewCSRFTokenHandler(engine *csrf.Engine, policy cookiepolicy.Policy, maxAge time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fingerprint := sessionFingerprint(r)

		if cookie, err := r.Cookie(csrf.CookieName); err == nil && engine.BoundTo(cookie.Value, fingerprint) {
			WriteJSON(w, http.StatusOK, map[string]string{"token": cookie.Value})
			return
		}

		if err := policy.Deliverable(r); err != nil {
			slog.Error("csrf cookie cannot be stored over this connection", slog.String("error", err.Error()))
			WriteErrorResponse(w, http.StatusInternalServerError, model.NewCookieNotStorableError())
			return
		}

		token, err := engine.Issue(fingerprint)
		if err != nil {
			slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
			WriteInternalServerError(w)
			return
		}
		http.SetCookie(w, engine.Cookie(policy, token, maxAge))
		WriteJSON(w, http.StatusOK, map[string]string{"token": token})
	})
}

// NewSessionCSRFMiddleware はセッションがある場合のみCSRF検証を行うミドルウェアを返す。
// 未ログインでも呼べるログアウトのように、セッションを操作するときだけ保護が必要な経路で使う。
// オプショナルセッションミドルウェアの後に配置する。
func NewSessionCSRFMiddleware(engine *csrf.Engine, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	protect := NewCSRFMiddleware(engine, collector)
	return func(next http.Handler) http.Handler {
		protected := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := ClaimsFromContext(r.Context()); !ok {
				next.ServeHTTP(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		})
	}
}
