// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストに検証済みClaimsを格納するためのキー。
var claimsContextKey = contextKey("session_claims")

// SessionVerifier はセッションCookieの検証に必要なインターフェース。
type SessionVerifier interface {
	VerifyRequest(r *http.Request, now time.Time) (sessiontoken.Claims, error)
}

// NewSessionMiddleware はHTTP Only Cookieのセッショントークンを検証するミドルウェアを返す。
// 検証済みClaimsをリクエストコンテキストに注入する。
// 未認証リクエストには401と理由コードを返す。
func NewSessionMiddleware(verifier SessionVerifier, collector metrics.MetricsCollector, now func() time.Time) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.VerifyRequest(r, now())
			if err != nil {
				reason := sessiontoken.ReasonOf(err)
				collector.RecordSessionRejection(reason)
				if reason != sessiontoken.ReasonMissing {
					slog.Warn("session rejected",
						slog.String("reason", reason),
						slog.String("path", r.URL.Path),
					)
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionError(reason))
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// NewOptionalSessionMiddleware はセッションが有効な場合のみClaimsを注入し、
// 無効・未設定でもリクエストを通すミドルウェアを返す。
func NewOptionalSessionMiddleware(verifier SessionVerifier, now func() time.Time) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, err := verifier.VerifyRequest(r, now()); err == nil {
				r = r.WithContext(withClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withClaims(ctx context.Context, claims sessiontoken.Claims) context.Context {
	annotateSubject(ctx, claims.Subject)
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext はリクエストコンテキストから検証済みClaimsを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func ClaimsFromContext(ctx context.Context) (sessiontoken.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(sessiontoken.Claims)
	return claims, ok
}

// ContextWithClaims はコンテキストにClaimsを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims sessiontoken.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
