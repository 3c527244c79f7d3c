// Package sessiontoken はステートレスなセッショントークンの発行と検証を行う。
// トークンはHS256署名のJWTで、kidヘッダに署名したシークレット世代IDを持つ。
package sessiontoken

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/keyring"
)

// CookieName はセッションCookie名。
const CookieName = "session"

// tokenIssuer はこのサービスが発行したトークンを示すissクレーム。
const tokenIssuer = "authgate"

// セッション検証失敗の理由コード
const (
	ReasonMissing = "session_missing"
	ReasonInvalid = "session_invalid"
	ReasonExpired = "session_expired"
)

// SessionError はセッション検証の失敗を表す。
type SessionError struct {
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session rejected (%s): %v", e.Reason, e.Err)
	}
	return "session rejected (" + e.Reason + ")"
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Claims は認証済みユーザーの識別情報。
// 変更は新しいトークンの再発行でのみ行い、部分的に書き換えない。
type Claims struct {
	Subject     string
	Email       string
	DisplayName string
	Roles       []string
	Issuer      string // IdPを示すタグ
	ID          string // セッションID（jti）
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasRole はロールを持つかを返す。
func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Fingerprint はCSRFトークンをこのセッションに束縛するための値を返す。
func (c Claims) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{c.Issuer, c.Subject, c.ID, strconv.FormatInt(c.IssuedAt.Unix(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

type tokenClaims struct {
	Email    string   `json:"email"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles"`
	Provider string   `json:"idp"`
	jwt.RegisteredClaims
}

// Codec はセッショントークンの発行と検証を行う。
type Codec struct {
	keys *keyring.Keyring
	ttl  time.Duration
}

// NewCodec は新しいCodecを生成する。
func NewCodec(keys *keyring.Keyring, ttl time.Duration) *Codec {
	return &Codec{keys: keys, ttl: ttl}
}

// TTL はセッションの有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// NewClaims は新しいセッションIDと有効期限を持つClaimsを生成する。
// 発行時刻は秒単位に切り捨てる。
func (c *Codec) NewClaims(issuer, subject, email, displayName string, roles []string, now time.Time) Claims {
	iat := now.Truncate(time.Second)
	return Claims{
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
		Roles:       slices.Clone(roles),
		Issuer:      issuer,
		ID:          uuid.NewString(),
		IssuedAt:    iat,
		ExpiresAt:   iat.Add(c.ttl),
	}
}

// Issue はClaimsを現在のシークレット世代で署名したトークンにする。
func (c *Codec) Issue(claims Claims) (string, error) {
	if claims.Subject == "" || claims.Email == "" || claims.ID == "" {
		return "", errors.New("session claims require subject, email and id")
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return "", errors.New("session claims expire before they are issued")
	}

	gen := c.keys.Current()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:    claims.Email,
		Name:     claims.DisplayName,
		Roles:    claims.Roles,
		Provider: claims.Issuer,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   claims.Subject,
			ID:        claims.ID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	token.Header["kid"] = gen.ID()

	signed, err := token.SignedString(gen.Derive(keyring.PurposeSessionToken))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Cookie はトークンを格納するHttpOnlyのセッションCookieを生成する。
func (c *Codec) Cookie(policy cookiepolicy.Policy, token string, claims Claims) *http.Cookie {
	return policy.Cookie(CookieName, token, claims.ExpiresAt.Sub(claims.IssuedAt), true)
}

// Verify はトークンを検証してClaimsを返す。
// 署名不一致・形式不正・未知の世代・now >= exp のいずれでも失敗する。
func (c *Codec) Verify(token string, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{}, &SessionError{Reason: ReasonMissing}
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		gen, ok := c.keys.Lookup(kid)
		if !ok {
			return nil, errors.New("unknown key generation")
		}
		return gen.Derive(keyring.PurposeSessionToken), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, &SessionError{Reason: ReasonExpired, Err: err}
		}
		return Claims{}, &SessionError{Reason: ReasonInvalid, Err: err}
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || tc.Subject == "" || tc.Email == "" || tc.ID == "" || tc.IssuedAt == nil {
		return Claims{}, &SessionError{Reason: ReasonInvalid, Err: errors.New("incomplete claims")}
	}

	return Claims{
		Subject:     tc.Subject,
		Email:       tc.Email,
		DisplayName: tc.Name,
		Roles:       tc.Roles,
		Issuer:      tc.Provider,
		ID:          tc.ID,
		IssuedAt:    tc.IssuedAt.Time,
		ExpiresAt:   tc.ExpiresAt.Time,
	}, nil
}

// VerifyRequest はリクエストのセッションCookieを検証する。
func (c *Codec) VerifyRequest(r *http.Request, now time.Time) (Claims, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return Claims{}, &SessionError{Reason: ReasonMissing}
	}
	return c.Verify(cookie.Value, now)
}

// ReasonOf はエラーからセッション失敗の理由コードを取り出す。
func ReasonOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonInvalid
}
