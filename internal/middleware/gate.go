package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

var effectiveUserContextKey = contextKey("effective_user")

// UserFinder はゲートがユーザーの最新状態を取得するためのインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindBySubject(ctx context.Context, issuer, subject string) (*model.User, error)
}

// Decide は実効権限から認可結果を算出する関数。
type Decide func(user access.EffectiveUser) access.Decision

// RequireAction は操作に対する通常のゲート判定を返す。
func RequireAction(action access.Action, devOnly bool) Decide {
	return func(user access.EffectiveUser) access.Decision {
		return access.Authorize(user, action, devOnly)
	}
}

// NewGateMiddleware はセッションのユーザーについて実効権限を1回だけ算出し、
// 認可できないリクエストを拒否するミドルウェアを返す。セッションミドルウェアの後に配置する。
// 開発ルート無効による拒否は、ルートが存在しない場合と同じ404で応答する。
func NewGateMiddleware(users UserFinder, env access.Env, collector metrics.MetricsCollector, decide Decide) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionError(sessiontoken.ReasonMissing))
				return
			}

			user, err := users.FindBySubject(r.Context(), claims.Issuer, claims.Subject)
			if err != nil {
				slog.Error("failed to load user for authorization",
					slog.String("subject", claims.Subject),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionError(sessiontoken.ReasonInvalid))
				return
			}

			effective := access.DeriveEffectivePermissions(user, env)
			decision := decide(effective)
			if !decision.Allowed {
				collector.RecordGateDenial(decision.Reason)
				slog.Warn("authorization denied",
					slog.String("subject", claims.Subject),
					slog.String("reason", decision.Reason),
					slog.String("path", r.URL.Path),
				)
				if decision.Reason == access.ReasonDevRoutesDisabled {
					WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
					return
				}
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError(decision.Reason))
				return
			}

			ctx := context.WithValue(r.Context(), effectiveUserContextKey, effective)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EffectiveUserFromContext はゲートを通過したリクエストの実効権限を取得する。
func EffectiveUserFromContext(ctx context.Context) (access.EffectiveUser, bool) {
	user, ok := ctx.Value(effectiveUserContextKey).(access.EffectiveUser)
	return user, ok
}
