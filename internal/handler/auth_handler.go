// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin() (*auth.LoginStart, error)
	CompleteLogin(ctx context.Context, params auth.CallbackParams, flowCookie string) (*auth.Session, error)
	StartSession(user *model.User) (*auth.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Policy     cookiepolicy.Policy
	AppRootURL string        // ログイン成功後のリダイレクト先
	FlowTTL    time.Duration // FlowState Cookieの有効期間
	Env        access.Env
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	users   middleware.UserFinder
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, users middleware.UserFinder, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		users:   users,
		config:  config,
	}
}

// meResponse はログインユーザー情報のレスポンス。
type meResponse struct {
	Subject     string   `json:"subject"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	DevUnlocked bool     `json:"devUnlocked"`
	Environment string   `json:"environment"`
}

func newMeResponse(user *model.User, env access.Env) meResponse {
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return meResponse{
		Subject:     user.Subject,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Roles:       roles,
		DevUnlocked: user.DevUnlocked,
		Environment: string(env.Environment()),
	}
}

// Login はOAuthフローを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.deliverable(w, r) {
		return
	}

	start, err := h.service.BeginLogin()
	if err != nil {
		slog.Error("failed to begin login", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, h.flowCookie(start.FlowCookieValue))
	http.Redirect(w, r, start.RedirectURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	flowValue := ""
	if c, err := r.Cookie(auth.FlowCookieName); err == nil {
		flowValue = c.Value
	}
	// FlowStateは成否にかかわらず1回で破棄する
	http.SetCookie(w, h.expireFlowCookie())

	if !h.deliverable(w, r) {
		return
	}

	q := r.URL.Query()
	session, err := h.service.CompleteLogin(r.Context(), auth.CallbackParams{
		State: q.Get("state"),
		Code:  q.Get("code"),
		Error: q.Get("error"),
	}, flowValue)
	if err != nil {
		var fe *auth.FlowError
		if errors.As(err, &fe) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewFlowError(fe.Category, fe.Retryable))
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	setSessionCookies(w, h.config.Policy, session)
	http.Redirect(w, r, h.config.AppRootURL, http.StatusFound)
}

// Logout はセッション・CSRF・FlowStateのCookieを削除する。
// POST /auth/logout
// サーバー側にセッションはないため、Cookieの削除のみで完結する。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		slog.Info("logout",
			slog.String("issuer", claims.Issuer),
			slog.String("subject", claims.Subject),
		)
	}

	http.SetCookie(w, h.config.Policy.Expire(sessiontoken.CookieName, true))
	http.SetCookie(w, h.config.Policy.Expire(csrf.CookieName, false))
	http.SetCookie(w, h.expireFlowCookie())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
// ロールとdev解除状態はトークンではなくユーザーストアの最新値を返す。
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionError(sessiontoken.ReasonMissing))
		return
	}

	user, err := h.users.FindBySubject(r.Context(), claims.Issuer, claims.Subject)
	if err != nil {
		slog.Error("failed to get current user",
			slog.String("subject", claims.Subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionError(sessiontoken.ReasonInvalid))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newMeResponse(user, h.config.Env))
}

// deliverable はCookieを保存できない接続であれば500を書き込みfalseを返す。
func (h *AuthHandler) deliverable(w http.ResponseWriter, r *http.Request) bool {
	return checkDeliverable(w, r, h.config.Policy)
}

// flowCookie はFlowStateを格納するCookieを生成する。
// IdPからのトップレベル遷移で送信されるよう、StrictはLaxに緩める。
func (h *AuthHandler) flowCookie(value string) *http.Cookie {
	c := h.config.Policy.Cookie(auth.FlowCookieName, value, h.config.FlowTTL, true)
	if c.SameSite == http.SameSiteStrictMode {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

func (h *AuthHandler) expireFlowCookie() *http.Cookie {
	c := h.config.Policy.Expire(auth.FlowCookieName, true)
	if c.SameSite == http.SameSiteStrictMode {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// setSessionCookies はセッションCookieと、同じ寿命のCSRF Cookieを設定する。
func setSessionCookies(w http.ResponseWriter, policy cookiepolicy.Policy, session *auth.Session) {
	maxAge := session.Claims.ExpiresAt.Sub(session.Claims.IssuedAt)
	http.SetCookie(w, policy.Cookie(sessiontoken.CookieName, session.Token, maxAge, true))
	http.SetCookie(w, policy.Cookie(csrf.CookieName, session.CSRFToken, maxAge, false))
}

func checkDeliverable(w http.ResponseWriter, r *http.Request, policy cookiepolicy.Policy) bool {
	if err := policy.Deliverable(r); err != nil {
		slog.Error("cookies cannot be stored over this connection",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewCookieNotStorableError())
		return false
	}
	return true
}
