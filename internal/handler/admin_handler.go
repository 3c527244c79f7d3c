package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// validRoles は管理APIで付与できるロール。
var validRoles = []string{model.RoleUser, model.RoleAdmin}

// RoleStore はロール変更に必要なユーザーストアの部分集合。
type RoleStore interface {
	SetRoles(ctx context.Context, issuer, subject string, roles []string) (*model.User, error)
}

// SessionStarter はセッションを再発行するためのインターフェース。
type SessionStarter interface {
	StartSession(user *model.User) (*auth.Session, error)
}

// AdminHandler は管理者向けAPIのHTTPハンドラー。
type AdminHandler struct {
	keys     *keyring.Keyring
	source   keyring.Source
	users    RoleStore
	sessions SessionStarter
	policy   cookiepolicy.Policy
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(keys *keyring.Keyring, source keyring.Source, users RoleStore, sessions SessionStarter, policy cookiepolicy.Policy) *AdminHandler {
	return &AdminHandler{
		keys:     keys,
		source:   source,
		users:    users,
		sessions: sessions,
		policy:   policy,
	}
}

// ReloadKeys は署名シークレットを読み込み直す。
// POST /admin/keys/reload
func (h *AdminHandler) ReloadKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Reload(r.Context(), h.source); err != nil {
		slog.Error("failed to reload signing keys", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	ids := h.keys.IDs()
	slog.Info("signing keys reloaded", slog.Any("generations", ids))
	middleware.WriteJSON(w, http.StatusOK, map[string][]string{"generations": ids})
}

// setRolesRequest はロール変更リクエストのボディ。
type setRolesRequest struct {
	Roles []string `json:"roles"`
}

// SetRoles はユーザーのロールを置き換える。
// PUT /admin/users/{subject}/roles?issuer=xxx
// issuer省略時は呼び出し元と同じIssuerのユーザーを対象にする。
// 呼び出し元自身のロールを変更した場合は新しいセッションとCSRFトークンを発行する。
func (h *AdminHandler) SetRoles(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	subject := chi.URLParam(r, "subject")
	issuer := r.URL.Query().Get("issuer")
	if issuer == "" {
		issuer = claims.Issuer
	}

	var req setRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !rolesValid(req.Roles) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	roles := slices.Compact(slices.Sorted(slices.Values(req.Roles)))

	user, err := h.users.SetRoles(r.Context(), issuer, subject, roles)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
			return
		}
		slog.Error("failed to set roles",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	slog.Info("roles updated",
		slog.String("actor", claims.Subject),
		slog.String("issuer", issuer),
		slog.String("subject", subject),
		slog.Any("roles", roles),
	)

	if issuer == claims.Issuer && subject == claims.Subject {
		session, err := h.sessions.StartSession(user)
		if err != nil {
			slog.Error("failed to reissue session", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		setSessionCookies(w, h.policy, session)
	}

	middleware.WriteJSON(w, http.StatusOK, newUserResponse(user))
}

// userResponse は管理APIが返すユーザー表現。
type userResponse struct {
	Issuer      string   `json:"issuer"`
	Subject     string   `json:"subject"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	DevUnlocked bool     `json:"devUnlocked"`
}

func newUserResponse(user *model.User) userResponse {
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		Issuer:      user.Issuer,
		Subject:     user.Subject,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Roles:       roles,
		DevUnlocked: user.DevUnlocked,
	}
}

func rolesValid(roles []string) bool {
	if len(roles) == 0 {
		return false
	}
	for _, role := range roles {
		if !slices.Contains(validRoles, role) {
			return false
		}
	}
	return true
}
