package csrf_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/keyring"
)

const (
	secretOne = "csrf-secret-one-csrf-secret-one-0001"
	secretTwo = "csrf-secret-two-csrf-secret-two-0002"
)

func newEngine(t *testing.T, secrets ...string) (*csrf.Engine, *keyring.Keyring) {
	t.Helper()
	k, err := keyring.New(secrets)
	if err != nil {
		t.Fatalf("failed to build keyring: %v", err)
	}
	return csrf.NewEngine(k), k
}

func mustIssue(t *testing.T, engine *csrf.Engine, fingerprint string) string {
	t.Helper()
	token, err := engine.Issue(fingerprint)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func wantReason(t *testing.T, err error, want string) {
	t.Helper()
	var ce *csrf.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *csrf.Error, got %v", err)
	}
	if ce.Reason != want {
		t.Errorf("reason = %q, want %q", ce.Reason, want)
	}
}

func TestEngine_DoubleSubmit(t *testing.T) {
	engine, _ := newEngine(t, secretOne)
	const sessionS, sessionS2 = "fingerprint-S", "fingerprint-S2"

	token := mustIssue(t, engine, sessionS)
	other := mustIssue(t, engine, sessionS)
	if token == other {
		t.Fatal("two issued tokens must differ")
	}

	t.Run("cookie=T header=T session=S", func(t *testing.T) {
		if err := engine.Validate(token, token, sessionS); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("cookie=T header=T' session=S", func(t *testing.T) {
		wantReason(t, engine.Validate(token, other, sessionS), csrf.ReasonMismatch)
	})

	t.Run("cookie=T header=T session=S'", func(t *testing.T) {
		wantReason(t, engine.Validate(token, token, sessionS2), csrf.ReasonSessionMismatch)
	})

	t.Run("missing header", func(t *testing.T) {
		wantReason(t, engine.Validate(token, "", sessionS), csrf.ReasonMissing)
	})

	t.Run("missing cookie", func(t *testing.T) {
		wantReason(t, engine.Validate("", token, sessionS), csrf.ReasonMissing)
	})

	t.Run("anonymous token does not bind to a session", func(t *testing.T) {
		anon := mustIssue(t, engine, "")
		if err := engine.Validate(anon, anon, ""); err != nil {
			t.Errorf("Validate anonymous: %v", err)
		}
		wantReason(t, engine.Validate(anon, anon, sessionS), csrf.ReasonSessionMismatch)
	})

	t.Run("malformed token", func(t *testing.T) {
		for _, bad := range []string{"abc", "abc.def", "!!!.???", "." + token} {
			wantReason(t, engine.Validate(bad, bad, sessionS), csrf.ReasonSessionMismatch)
		}
	})
}

func TestEngine_Rotation(t *testing.T) {
	engine, k := newEngine(t, secretOne)
	token := mustIssue(t, engine, "fp")

	if err := k.Replace([]string{secretTwo, secretOne}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !engine.BoundTo(token, "fp") {
		t.Error("token from a retained generation should still be bound")
	}

	if err := k.Replace([]string{secretTwo}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if engine.BoundTo(token, "fp") {
		t.Error("token from a retired generation must not be bound")
	}
}

func TestEngine_ValidateRequest(t *testing.T) {
	engine, _ := newEngine(t, secretOne)
	token := mustIssue(t, engine, "fp")

	policy, err := cookiepolicy.Resolve(cookiepolicy.Input{Environment: cookiepolicy.EnvLocal, BaseURL: "http://127.0.0.1:8080"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cookie := engine.Cookie(policy, token, time.Hour)
	if cookie.HttpOnly {
		t.Error("csrf cookie must be readable by client script")
	}
	if cookie.Name != csrf.CookieName {
		t.Errorf("Name = %q, want %q", cookie.Name, csrf.CookieName)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/keys/reload", nil)
	req.AddCookie(cookie)
	req.Header.Set(csrf.HeaderName, token)
	if err := engine.ValidateRequest(req, "fp"); err != nil {
		t.Errorf("ValidateRequest: %v", err)
	}

	noHeader := httptest.NewRequest(http.MethodPost, "/admin/keys/reload", nil)
	noHeader.AddCookie(cookie)
	wantReason(t, engine.ValidateRequest(noHeader, "fp"), csrf.ReasonMissing)
}

func TestIsSafeMethod(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		if !csrf.IsSafeMethod(m) {
			t.Errorf("IsSafeMethod(%s) = false, want true", m)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if csrf.IsSafeMethod(m) {
			t.Errorf("IsSafeMethod(%s) = true, want false", m)
		}
	}
}
