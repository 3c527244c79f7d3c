package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/fixtures"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// DevUnlockStore はdev解除フラグの更新に必要なユーザーストアの部分集合。
type DevUnlockStore interface {
	SetDevUnlocked(ctx context.Context, issuer, subject string, unlocked bool) error
}

// FixtureAuthenticator はフィクスチャユーザーのパスワード認証インターフェース。
type FixtureAuthenticator interface {
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
}

var _ FixtureAuthenticator = (*fixtures.Authenticator)(nil)

// DevHandler は開発ルート有効時のみマウントされるHTTPハンドラー。
type DevHandler struct {
	users    DevUnlockStore
	fixtures FixtureAuthenticator
	sessions SessionStarter
	keys     *keyring.Keyring
	policy   cookiepolicy.Policy
	env      access.Env
}

// NewDevHandler はDevHandlerを生成する。
func NewDevHandler(users DevUnlockStore, fixtureAuth FixtureAuthenticator, sessions SessionStarter, keys *keyring.Keyring, policy cookiepolicy.Policy, env access.Env) *DevHandler {
	return &DevHandler{
		users:    users,
		fixtures: fixtureAuth,
		sessions: sessions,
		keys:     keys,
		policy:   policy,
		env:      env,
	}
}

// unlockRequest はdev解除リクエストのボディ。
type unlockRequest struct {
	Issuer   string `json:"issuer"`
	Subject  string `json:"subject"`
	Unlocked *bool  `json:"unlocked"`
}

// Unlock はユーザーのdev解除フラグを変更する。
// POST /dev/unlock
// 管理者ロールと開発ルート有効の2層のみで許可する（自身の解除を可能にするため）。
func (h *DevHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" || req.Unlocked == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.Issuer == "" {
		req.Issuer = claims.Issuer
	}

	// 対象の有無は応答から区別できないようにする
	err := h.users.SetDevUnlocked(r.Context(), req.Issuer, req.Subject, *req.Unlocked)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		slog.Warn("dev unlock target not found",
			slog.String("actor", claims.Subject),
			slog.String("issuer", req.Issuer),
			slog.String("subject", req.Subject),
		)
	case err != nil:
		slog.Error("failed to update dev unlock",
			slog.String("subject", req.Subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	default:
		slog.Warn("dev unlock changed",
			slog.String("actor", claims.Subject),
			slog.String("issuer", req.Issuer),
			slog.String("subject", req.Subject),
			slog.Bool("unlocked", *req.Unlocked),
		)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":      req.Issuer,
		"subject":     req.Subject,
		"devUnlocked": *req.Unlocked,
	})
}

// sessionClaimsResponse はデコード済みセッションの表現。
type sessionClaimsResponse struct {
	Issuer      string    `json:"issuer"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Roles       []string  `json:"roles"`
	SessionID   string    `json:"sessionId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// effectiveResponse はリクエスト時に算出した実効権限の表現。
type effectiveResponse struct {
	Roles            []string `json:"roles"`
	DevUnlocked      bool     `json:"devUnlocked"`
	DevRoutesEnabled bool     `json:"devRoutesEnabled"`
	Environment      string   `json:"environment"`
}

// Session はデコード済みのセッションと有効なシークレット世代を返す。
// GET /dev/session
func (h *DevHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	effective, gated := middleware.EffectiveUserFromContext(r.Context())
	if !ok || !gated {
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"claims": sessionClaimsResponse{
			Issuer:      claims.Issuer,
			Subject:     claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
			Roles:       claims.Roles,
			SessionID:   claims.ID,
			IssuedAt:    claims.IssuedAt,
			ExpiresAt:   claims.ExpiresAt,
		},
		"effective": effectiveResponse{
			Roles:            effective.Roles,
			DevUnlocked:      effective.DevUnlocked,
			DevRoutesEnabled: effective.DevRoutesEnabled,
			Environment:      string(effective.Environment),
		},
		"generations": h.keys.IDs(),
	})
}

// fixtureLoginRequest はフィクスチャログインのボディ。
type fixtureLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// FixtureLogin はシード済みフィクスチャユーザーでログインする。
// POST /dev/fixture-login
// 成功時はOAuthコールバックと同じくセッションと新しいCSRFトークンを発行する。
func (h *DevHandler) FixtureLogin(w http.ResponseWriter, r *http.Request) {
	if !checkDeliverable(w, r, h.policy) {
		return
	}

	var req fixtureLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	user, err := h.fixtures.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, fixtures.ErrInvalidCredentials) {
			slog.Warn("fixture login rejected")
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
			return
		}
		slog.Error("fixture login failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	session, err := h.sessions.StartSession(user)
	if err != nil {
		slog.Error("failed to start fixture session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	slog.Info("fixture login succeeded", slog.String("subject", user.Subject))
	setSessionCookies(w, h.policy, session)
	middleware.WriteJSON(w, http.StatusOK, newMeResponse(user, h.env))
}
