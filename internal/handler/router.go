package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 共通
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	CORSAllowedOrigin string
	TrustProxyHeaders bool
	RateLimiter       *middleware.RateLimiter
	Now               func() time.Time

	// Cookieと環境
	Policy     cookiepolicy.Policy
	Env        access.Env
	AppRootURL string
	FlowTTL    time.Duration
	SessionTTL time.Duration

	// セッションとCSRF
	Sessions middleware.SessionVerifier
	CSRF     *csrf.Engine

	// 認証
	AuthService AuthServiceInterface
	Users       repository.UserRepository

	// 管理・開発
	Keys      *keyring.Keyring
	KeySource keyring.Source
	Fixtures  FixtureAuthenticator // nilの場合はフィクスチャログインをマウントしない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → (RealIP) → Recovery → Logging → SecurityHeaders → CORS
//
// 保護ルートではさらに Session → RateLimit(General) → CSRF → Gate の順に評価する。
// 開発ルートは有効な場合のみマウントし、無効時は他の未定義パスと同じ404になる。
func NewRouter(deps *RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Policy.Secure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, model.NewMethodNotAllowedError())
	})

	authHandler := NewAuthHandler(deps.AuthService, deps.Users, AuthHandlerConfig{
		Policy:     deps.Policy,
		AppRootURL: deps.AppRootURL,
		FlowTTL:    deps.FlowTTL,
		Env:        deps.Env,
	})
	adminHandler := NewAdminHandler(deps.Keys, deps.KeySource, deps.Users, deps.AuthService, deps.Policy)

	optionalSession := middleware.NewOptionalSessionMiddleware(deps.Sessions, deps.Now)
	requireSession := middleware.NewSessionMiddleware(deps.Sessions, deps.Metrics, deps.Now)
	requireCSRF := middleware.NewCSRFMiddleware(deps.CSRF, deps.Metrics)
	gate := func(decide middleware.Decide) func(http.Handler) http.Handler {
		return middleware.NewGateMiddleware(deps.Users, deps.Env, deps.Metrics, decide)
	}

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証ルート ---
	r.Route("/auth", func(r chi.Router) {
		r.With(deps.RateLimiter.LoginMiddleware()).Get("/login", authHandler.Login)
		r.With(deps.RateLimiter.LoginMiddleware()).Get("/callback", authHandler.Callback)

		r.With(optionalSession, middleware.NewSessionCSRFMiddleware(deps.CSRF, deps.Metrics)).
			Post("/logout", authHandler.Logout)
		r.With(optionalSession).
			Method(http.MethodGet, "/csrf", middleware.NewCSRFTokenHandler(deps.CSRF, deps.Policy, deps.SessionTTL))
		r.With(requireSession, deps.RateLimiter.GeneralMiddleware()).Get("/me", authHandler.Me)
	})

	// --- 管理ルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF → Gate
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireSession)
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(requireCSRF)

		r.With(gate(middleware.RequireAction(access.ActionReloadKeys, false))).
			Post("/keys/reload", adminHandler.ReloadKeys)
		r.With(gate(middleware.RequireAction(access.ActionManageRoles, false))).
			Put("/users/{subject}/roles", adminHandler.SetRoles)
	})

	// --- 開発ルート ---
	if deps.Env.DevRoutesEnabled() {
		devHandler := NewDevHandler(deps.Users, deps.Fixtures, deps.AuthService, deps.Keys, deps.Policy, deps.Env)

		r.Route("/dev", func(r chi.Router) {
			if deps.Fixtures != nil {
				// 匿名コンテキストのCSRFトークン（GET /auth/csrf）を要求する
				r.With(deps.RateLimiter.LoginMiddleware(), optionalSession, requireCSRF).
					Post("/fixture-login", devHandler.FixtureLogin)
			}

			r.Group(func(r chi.Router) {
				r.Use(requireSession)
				r.Use(deps.RateLimiter.GeneralMiddleware())
				r.Use(requireCSRF)

				r.With(gate(access.AuthorizeUnlock)).Post("/unlock", devHandler.Unlock)
				r.With(gate(middleware.RequireAction(access.ActionInspectSession, true))).
					Get("/session", devHandler.Session)
			})
		})
	}

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
