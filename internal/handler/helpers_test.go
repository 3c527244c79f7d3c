package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

const testSecret = "handler-test-secret-0123456789abcdefgh"

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn    func() (*auth.LoginStart, error)
	completeLoginFn func(ctx context.Context, params auth.CallbackParams, flowCookie string) (*auth.Session, error)
	startSessionFn  func(user *model.User) (*auth.Session, error)
}

func (m *mockAuthService) BeginLogin() (*auth.LoginStart, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn()
	}
	return &auth.LoginStart{RedirectURL: "https://idp.example.org/authorize", FlowCookieValue: "flow"}, nil
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, params auth.CallbackParams, flowCookie string) (*auth.Session, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, params, flowCookie)
	}
	return nil, &auth.FlowError{Category: auth.CategoryInvalidState}
}

func (m *mockAuthService) StartSession(user *model.User) (*auth.Session, error) {
	if m.startSessionFn != nil {
		return m.startSessionFn(user)
	}
	return nil, fmt.Errorf("StartSession not configured")
}

// Compile-time interface compliance checks
var (
	_ AuthServiceInterface = (*mockAuthService)(nil)
	_ AuthServiceInterface = (*auth.Service)(nil)
)

// --- テスト用の実環境 ---

// testEnv は実際のコーデックとSQLiteのユーザーストアを束ねる。
type testEnv struct {
	keys     *keyring.Keyring
	sessions *sessiontoken.Codec
	csrf     *csrf.Engine
	policy   cookiepolicy.Policy
	users    repository.UserRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keys, err := keyring.New([]string{testSecret})
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}
	policy, err := cookiepolicy.Resolve(cookiepolicy.Input{
		Environment: cookiepolicy.EnvLocal,
		BaseURL:     "http://127.0.0.1",
	})
	if err != nil {
		t.Fatalf("failed to resolve cookie policy: %v", err)
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, sqlDB, err := database.OpenSQLite(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.MigrateSQLite(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return &testEnv{
		keys:     keys,
		sessions: sessiontoken.NewCodec(keys, time.Hour),
		csrf:     csrf.NewEngine(keys),
		policy:   policy,
		users:    repository.NewSQLiteUserRepo(db),
	}
}

// seedUser はユーザーを作成する。
func (e *testEnv) seedUser(t *testing.T, subject string, roles []string, devUnlocked bool) *model.User {
	t.Helper()
	user := &model.User{
		Issuer:      "oidc",
		Subject:     subject,
		Email:       subject + "@example.org",
		DisplayName: subject,
		Roles:       roles,
		DevUnlocked: devUnlocked,
	}
	if err := e.users.UpsertFixture(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	stored, err := e.users.FindBySubject(context.Background(), "oidc", subject)
	if err != nil || stored == nil {
		t.Fatalf("failed to load seeded user: %v", err)
	}
	return stored
}

// startSession はauth.Service.StartSessionと同じ手順でセッションを発行する。
func (e *testEnv) startSession(user *model.User) (*auth.Session, error) {
	claims := e.sessions.NewClaims(user.Issuer, user.Subject, user.Email, user.DisplayName, user.Roles, time.Now())
	token, err := e.sessions.Issue(claims)
	if err != nil {
		return nil, err
	}
	csrfToken, err := e.csrf.Issue(claims.Fingerprint())
	if err != nil {
		return nil, err
	}
	return &auth.Session{User: user, Claims: claims, Token: token, CSRFToken: csrfToken}, nil
}

// login はユーザーのセッションを発行してトークンの組を返す。
func (e *testEnv) login(t *testing.T, user *model.User) *auth.Session {
	t.Helper()
	session, err := e.startSession(user)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return session
}

// routerDeps はテスト用のRouterDepsを返す。
func (e *testEnv) routerDeps(t *testing.T, devRoutes bool) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return &RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Policy:            e.policy,
		Env:               access.NewEnv(cookiepolicy.EnvLocal, devRoutes),
		AppRootURL:        "http://localhost:3000/",
		FlowTTL:           10 * time.Minute,
		SessionTTL:        time.Hour,
		Sessions:          e.sessions,
		CSRF:              e.csrf,
		AuthService:       &mockAuthService{startSessionFn: e.startSession},
		Users:             e.users,
		Keys:              e.keys,
		KeySource:         keyring.EnvSource{Key: "HANDLER_TEST_SIGNING_SECRETS"},
	}
}

// authedRequest はセッションCookieとCSRFトークンを付与したリクエストを生成する。
func authedRequest(method, target string, body string, session *auth.Session) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if session != nil {
		req.AddCookie(&http.Cookie{Name: sessiontoken.CookieName, Value: session.Token})
		req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: session.CSRFToken})
		req.Header.Set(csrf.HeaderName, session.CSRFToken)
	}
	return req
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// findCookie はレスポンスから指定名のCookieを探す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
