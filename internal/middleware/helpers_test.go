package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

const testSecret = "middleware-test-secret-0123456789abcdef"

// testKit はミドルウェアのテストで共通に使うコーデック類。
type testKit struct {
	keys     *keyring.Keyring
	sessions *sessiontoken.Codec
	csrf     *csrf.Engine
	policy   cookiepolicy.Policy
}

func newTestKit(t *testing.T) *testKit {
	t.Helper()
	keys, err := keyring.New([]string{testSecret})
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}
	policy, err := cookiepolicy.Resolve(cookiepolicy.Input{
		Environment: cookiepolicy.EnvLocal,
		BaseURL:     "http://localhost:8080",
	})
	if err != nil {
		t.Fatalf("failed to resolve cookie policy: %v", err)
	}
	return &testKit{
		keys:     keys,
		sessions: sessiontoken.NewCodec(keys, time.Hour),
		csrf:     csrf.NewEngine(keys),
		policy:   policy,
	}
}

// login はセッショントークンとそれに束縛されたCSRFトークンを発行する。
func (k *testKit) login(t *testing.T, subject string, roles ...string) (sessiontoken.Claims, string, string) {
	t.Helper()
	claims := k.sessions.NewClaims("oidc", subject, subject+"@example.org", "", roles, time.Now())
	token, err := k.sessions.Issue(claims)
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	csrfToken, err := k.csrf.Issue(claims.Fingerprint())
	if err != nil {
		t.Fatalf("failed to issue csrf token: %v", err)
	}
	return claims, token, csrfToken
}

// recordingMetrics は記録された理由コードを保持するMetricsCollector。
type recordingMetrics struct {
	metrics.Nop
	sessionRejections []string
	csrfRejections    []string
	gateDenials       []string
	statuses          []int
}

func (m *recordingMetrics) RecordSessionRejection(reason string) {
	m.sessionRejections = append(m.sessionRejections, reason)
}

func (m *recordingMetrics) RecordCSRFRejection(reason string) {
	m.csrfRejections = append(m.csrfRejections, reason)
}

func (m *recordingMetrics) RecordGateDenial(reason string) {
	m.gateDenials = append(m.gateDenials, reason)
}

func (m *recordingMetrics) RecordHTTPStatus(status int) {
	m.statuses = append(m.statuses, status)
}

// mockUserFinder はUserFinderのモック。
type mockUserFinder struct {
	findBySubjectFn func(ctx context.Context, issuer, subject string) (*model.User, error)
}

func (m *mockUserFinder) FindBySubject(ctx context.Context, issuer, subject string) (*model.User, error) {
	if m.findBySubjectFn != nil {
		return m.findBySubjectFn(ctx, issuer, subject)
	}
	return nil, nil
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})
