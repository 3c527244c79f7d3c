// Package csrf はダブルサブミット方式のCSRFトークンを発行・検証する。
// トークンはセッションのフィンガープリントにHMACで束縛される。
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/keyring"
)

const (
	// CookieName はCSRFトークンを格納するCookie名。スクリプトから読めるようHttpOnlyにしない。
	CookieName = "csrf_token"
	// HeaderName はクライアントがトークンを送り返すヘッダ名。
	HeaderName = "X-CSRF-Token"
)

// 検証失敗の理由コード
const (
	ReasonMissing         = "csrf_missing"
	ReasonMismatch        = "csrf_mismatch"
	ReasonSessionMismatch = "csrf_session_mismatch"
)

const nonceSize = 32

var encoding = base64.RawURLEncoding.Strict()

// Error はCSRF検証の失敗を表す。
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "csrf validation failed: " + e.Reason
}

// Engine はCSRFトークンを扱う。
type Engine struct {
	keys *keyring.Keyring
}

// NewEngine は新しいEngineを生成する。
func NewEngine(keys *keyring.Keyring) *Engine {
	return &Engine{keys: keys}
}

// Issue はフィンガープリントに束縛された新しいトークンを生成する。
// 匿名コンテキストのフィンガープリントは空文字列。
func (e *Engine) Issue(fingerprint string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate csrf nonce: %w", err)
	}
	mac := sign(e.keys.Current().Derive(keyring.PurposeCSRF), nonce, fingerprint)
	return encoding.EncodeToString(nonce) + "." + encoding.EncodeToString(mac), nil
}

// Cookie はトークンを格納するCookieを生成する。
func (e *Engine) Cookie(policy cookiepolicy.Policy, token string, maxAge time.Duration) *http.Cookie {
	return policy.Cookie(CookieName, token, maxAge, false)
}

// Validate はCookieとヘッダのトークンを検証する。
// 両方が存在し、バイト単位で一致し、現在のセッションに束縛されている場合のみnilを返す。
func (e *Engine) Validate(cookieToken, headerToken, fingerprint string) error {
	if cookieToken == "" || headerToken == "" {
		return &Error{Reason: ReasonMissing}
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return &Error{Reason: ReasonMismatch}
	}
	if !e.BoundTo(cookieToken, fingerprint) {
		return &Error{Reason: ReasonSessionMismatch}
	}
	return nil
}

// ValidateRequest はリクエストのCookieとヘッダからトークンを取り出して検証する。
func (e *Engine) ValidateRequest(r *http.Request, fingerprint string) error {
	var cookieToken string
	if c, err := r.Cookie(CookieName); err == nil {
		cookieToken = c.Value
	}
	return e.Validate(cookieToken, r.Header.Get(HeaderName), fingerprint)
}

// BoundTo はトークンが有効な世代のいずれかでフィンガープリントに束縛されているかを返す。
func (e *Engine) BoundTo(token, fingerprint string) bool {
	nonceText, macText, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	nonce, err := encoding.DecodeString(nonceText)
	if err != nil || len(nonce) != nonceSize {
		return false
	}
	mac, err := encoding.DecodeString(macText)
	if err != nil {
		return false
	}

	for _, gen := range e.keys.Generations() {
		if hmac.Equal(mac, sign(gen.Derive(keyring.PurposeCSRF), nonce, fingerprint)) {
			return true
		}
	}
	return false
}

// IsSafeMethod はCSRF検証を免除するメソッドかを返す。
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func sign(key, nonce []byte, fingerprint string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(nonce)
	m.Write([]byte{0})
	m.Write([]byte(fingerprint))
	return m.Sum(nil)
}
