// Package cookiepolicy はデプロイ構成からCookie属性（Domain/Secure/SameSite）を決定する。
// 決定は起動時に1回だけ行い、以後はイミュータブルとして全コンポーネントで共有する。
package cookiepolicy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Environment はデプロイ環境を表す。
type Environment string

// 既知のデプロイ環境
const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvLocal       Environment = "local"
)

// ErrCookieNotStorable はSecure属性付きCookieがHTTPオリジンに送られ、
// ブラウザに保存されない状況を表す。
var ErrCookieNotStorable = errors.New("secure cookie cannot be stored over a non-HTTPS origin")

// ParseEnvironment は文字列を環境に変換する。
// 未知の値は最も制限の強いproductionとして扱う。
func ParseEnvironment(s string) Environment {
	switch env := Environment(strings.ToLower(strings.TrimSpace(s))); env {
	case EnvStaging, EnvDevelopment, EnvLocal:
		return env
	default:
		return EnvProduction
	}
}

// IsProductionLike はproductionまたはstagingであればtrueを返す。
func (e Environment) IsProductionLike() bool {
	return e == EnvProduction || e == EnvStaging
}

// Input はResolveへの入力となるデプロイ構成。
type Input struct {
	Environment       Environment
	Domain            string
	Secure            *bool // nilの場合は環境とBaseURLから決定する
	SameSite          string
	BaseURL           string
	TrustProxyHeaders bool
}

// Policy は解決済みのCookie属性。
type Policy struct {
	Environment Environment
	Domain      string // 空文字列はホスト限定Cookie
	Secure      bool
	SameSite    http.SameSite
	OriginHTTPS bool

	trustProxyHeaders bool
}

// Resolve はデプロイ構成からPolicyを決定する。I/Oは行わない。
func Resolve(in Input) (Policy, error) {
	env := ParseEnvironment(string(in.Environment))

	base, err := url.Parse(in.BaseURL)
	if err != nil || base.Host == "" {
		return Policy{}, errors.New("base URL must be an absolute URL")
	}
	originHTTPS := strings.EqualFold(base.Scheme, "https")
	host := strings.ToLower(base.Hostname())

	domain, err := normalizeDomain(in.Domain, host)
	if err != nil {
		return Policy{}, err
	}

	secure := env.IsProductionLike() || originHTTPS
	if in.Secure != nil {
		secure = *in.Secure
	}

	sameSite, err := parseSameSite(in.SameSite)
	if err != nil {
		return Policy{}, err
	}
	if sameSite == http.SameSiteNoneMode && !secure {
		return Policy{}, errors.New("SameSite=None requires the Secure attribute")
	}

	return Policy{
		Environment:       env,
		Domain:            domain,
		Secure:            secure,
		SameSite:          sameSite,
		OriginHTTPS:       originHTTPS,
		trustProxyHeaders: in.TrustProxyHeaders,
	}, nil
}

// HostMatches はCookieのDomain属性がホストに適用されるかを判定する。
// 完全一致、または先頭ドットを除いたドメインへのサフィックス一致（大文字小文字無視）。
func HostMatches(host, domain string) bool {
	h := strings.ToLower(host)
	d := strings.ToLower(domain)
	if h == d {
		return true
	}
	d = strings.TrimPrefix(d, ".")
	if d == "" {
		return false
	}
	if h == d {
		return true
	}
	// IPアドレスはラベル単位のサフィックス一致を持たない
	if net.ParseIP(h) != nil {
		return false
	}
	return strings.HasSuffix(h, "."+d)
}

// SameSiteName はSameSite属性の設定値表現を返す。
func (p Policy) SameSiteName() string {
	switch p.SameSite {
	case http.SameSiteStrictMode:
		return "strict"
	case http.SameSiteNoneMode:
		return "none"
	default:
		return "lax"
	}
}

// Deliverable はこのリクエストへのレスポンスでCookieが保存されるかを判定する。
// SecureなのにHTTPで到達したリクエストにはErrCookieNotStorableを返す。
func (p Policy) Deliverable(r *http.Request) error {
	if !p.Secure || RequestIsHTTPS(r, p.trustProxyHeaders) {
		return nil
	}
	return ErrCookieNotStorable
}

// RequestIsHTTPS はリクエストがHTTPSで到達したかを判定する。
// trustProxyがtrueの場合のみX-Forwarded-Protoを参照する。
func RequestIsHTTPS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxy {
		proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
		return strings.EqualFold(strings.TrimSpace(proto), "https")
	}
	return false
}

// Cookie はポリシーに従ったCookieを生成する。
func (p Policy) Cookie(name, value string, maxAge time.Duration, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(maxAge / time.Second),
		Secure:   p.Secure,
		HttpOnly: httpOnly,
		SameSite: p.SameSite,
	}
}

// Expire はCookieを削除するためのCookieを生成する。
// 発行時と同じDomain/Pathでなければブラウザは削除しない。
func (p Policy) Expire(name string, httpOnly bool) *http.Cookie {
	c := p.Cookie(name, "", 0, httpOnly)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func normalizeDomain(raw, host string) (string, error) {
	d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if d == "" {
		return "", nil
	}

	// IPアドレスとlocalhostはBaseURLのホストと完全一致のみ許可する
	if net.ParseIP(d) != nil || d == "localhost" {
		if d != host {
			return "", fmt.Errorf("cookie domain %q must equal the base URL host", d)
		}
		return d, nil
	}

	suffix, _ := publicsuffix.PublicSuffix(d)
	if suffix == d {
		return "", fmt.Errorf("cookie domain %q is a public suffix", d)
	}
	if !HostMatches(host, d) {
		return "", fmt.Errorf("cookie domain %q does not cover the base URL host", d)
	}
	return d, nil
}

func parseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unsupported SameSite value %q", s)
	}
}
