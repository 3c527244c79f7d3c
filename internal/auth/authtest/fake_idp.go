// Package authtest はテスト用のOIDCプロバイダーを提供する。
package authtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/auth"
)

// ClientID はFakeIdPが受け付けるクライアントID。
const ClientID = "authgate-test"

// Identity はFakeIdPがIDトークンで主張するユーザー。
type Identity struct {
	Subject string
	Email   string
	Name    string
	// EmailInUserInfoOnly がtrueの場合、メールアドレスをIDトークンに含めずユーザー情報でのみ返す
	EmailInUserInfoOnly bool
	// UserInfoSubject が空でない場合、ユーザー情報のsubとしてSubjectの代わりに返す
	UserInfoSubject string
}

type grant struct {
	challenge string
	identity  Identity
	used      bool
}

// FakeIdP は認可コードフローのトークン・ユーザー情報エンドポイントを模倣する。
// 認可エンドポイントはブラウザを介さず、Authorizeで直接コードを発行する。
type FakeIdP struct {
	Server *httptest.Server

	key *rsa.PrivateKey

	mu            sync.Mutex
	grants        map[string]*grant
	accessToken   map[string]Identity
	tokenStatus   int
	tokenDelay    time.Duration
	tokenRequests int
}

// New はFakeIdPを起動する。テスト終了時に停止する。
func New(t testing.TB) *FakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}

	f := &FakeIdP{
		key:         key,
		grants:      map[string]*grant{},
		accessToken: map[string]Identity{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "use Authorize", http.StatusNotImplemented)
	})
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserInfo)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// FailToken はトークンエンドポイントの挙動を変更する。
// statusが0以外の場合はそのステータスで失敗し、delayだけ応答を遅らせる。
func (f *FakeIdP) FailToken(status int, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus, f.tokenDelay = status, delay
}

// TokenRequests はトークンエンドポイントへのリクエスト数を返す。
func (f *FakeIdP) TokenRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests
}

// Issuer はIDトークンのissを返す。
func (f *FakeIdP) Issuer() string {
	return f.Server.URL
}

// KeySet はIDトークンの検証に使う公開鍵セットを返す。
func (f *FakeIdP) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&f.key.PublicKey}}
}

// Config はFakeIdPを指すOIDCConfigを返す。
func (f *FakeIdP) Config(redirectURL string) auth.OIDCConfig {
	return auth.OIDCConfig{
		ClientID:     ClientID,
		ClientSecret: "test-secret",
		RedirectURL:  redirectURL,
		Issuer:       f.Issuer(),
		AuthURL:      f.Server.URL + "/authorize",
		TokenURL:     f.Server.URL + "/token",
		UserInfoURL:  f.Server.URL + "/userinfo",
		HTTPClient:   f.Server.Client(),
		KeySet:       f.KeySet(),
	}
}

// Authorize は認可URLを受け取り、ユーザーが同意したものとして認可コードとstateを返す。
// code_challenge_methodがS256でない場合は失敗する。
func (f *FakeIdP) Authorize(t testing.TB, authURL string, id Identity) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid authorize url: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != ClientID {
		t.Fatalf("client_id = %q, want %q", q.Get("client_id"), ClientID)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("authorize url lacks S256 code challenge: %s", authURL)
	}

	code = uuid.NewString()
	f.mu.Lock()
	f.grants[code] = &grant{challenge: q.Get("code_challenge"), identity: id}
	f.mu.Unlock()
	return code, q.Get("state")
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenRequests++
	status, delay := f.tokenStatus, f.tokenDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if clientID, _, ok := r.BasicAuth(); (ok && clientID != ClientID) || (!ok && r.PostForm.Get("client_id") != ClientID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	f.mu.Lock()
	g, ok := f.grants[r.PostForm.Get("code")]
	valid := ok && !g.used && challengeOf(r.PostForm.Get("code_verifier")) == g.challenge
	if ok {
		g.used = true
	}
	f.mu.Unlock()
	if !valid {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	idToken, err := f.signIDToken(g.identity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	access := uuid.NewString()
	f.mu.Lock()
	f.accessToken[access] = g.identity
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (f *FakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	id, ok := f.accessToken[header[len(prefix):]]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	sub := id.Subject
	if id.UserInfoSubject != "" {
		sub = id.UserInfoSubject
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            sub,
		"email":          id.Email,
		"email_verified": true,
		"name":           id.Name,
	})
}

func (f *FakeIdP) signIDToken(id Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  f.Issuer(),
		"aud":  ClientID,
		"sub":  id.Subject,
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
		"name": id.Name,
	}
	if !id.EmailInUserInfoOnly && id.Email != "" {
		claims["email"] = id.Email
		claims["email_verified"] = true
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
}

func challengeOf(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
