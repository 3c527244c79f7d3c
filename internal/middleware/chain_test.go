package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

// TestMiddlewareChain_SessionCSRFGate は Session -> CSRF -> Gate のチェーンが
// chi.Routerで正しい順序で評価されることを検証する。
func TestMiddlewareChain_SessionCSRFGate(t *testing.T) {
	kit := newTestKit(t)
	adminClaims, adminToken, adminCSRF := kit.login(t, "admin-1")
	_, userToken, userCSRF := kit.login(t, "user-1")

	users := &mockUserFinder{findBySubjectFn: func(ctx context.Context, issuer, subject string) (*model.User, error) {
		roles := []string{model.RoleUser}
		if subject == adminClaims.Subject {
			roles = append(roles, model.RoleAdmin)
		}
		return &model.User{Issuer: issuer, Subject: subject, Roles: roles}, nil
	}}

	rec := &recordingMetrics{}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(kit.sessions, rec, time.Now))
		r.Use(NewCSRFMiddleware(kit.csrf, rec))
		r.With(NewGateMiddleware(users, access.NewEnv(cookiepolicy.EnvProduction, false), rec, RequireAction(access.ActionReloadKeys, false))).
			Post("/admin/keys/reload", okHandler)
	})

	send := func(session, cookieCSRF, headerCSRF string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/keys/reload", nil)
		if session != "" {
			req.AddCookie(&http.Cookie{Name: sessiontoken.CookieName, Value: session})
		}
		if cookieCSRF != "" {
			req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: cookieCSRF})
		}
		if headerCSRF != "" {
			req.Header.Set(csrf.HeaderName, headerCSRF)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	tests := []struct {
		name       string
		w          *httptest.ResponseRecorder
		wantStatus int
		wantReason string
	}{
		{"no session", send("", adminCSRF, adminCSRF), http.StatusUnauthorized, sessiontoken.ReasonMissing},
		{"session without csrf header", send(adminToken, adminCSRF, ""), http.StatusForbidden, csrf.ReasonMissing},
		{"csrf of another session", send(adminToken, userCSRF, userCSRF), http.StatusForbidden, csrf.ReasonSessionMismatch},
		{"non-admin", send(userToken, userCSRF, userCSRF), http.StatusForbidden, access.ReasonNotAdmin},
		{"admin", send(adminToken, adminCSRF, adminCSRF), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", tt.w.Result().StatusCode, tt.wantStatus)
			}
			if tt.wantReason != "" {
				if body := decodeErrorBody(t, tt.w); body.Reason != tt.wantReason {
					t.Errorf("reason = %q, want %q", body.Reason, tt.wantReason)
				}
			}
		})
	}
}
