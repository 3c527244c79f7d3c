// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSecretField はSecrets Managerのシークレット内で署名シークレットを格納するキー。
const DefaultSecretField = "SESSION_SIGNING_SECRETS"

// セッションとフロー状態の有効期限の上限。
const (
	MaxSessionTTL   = 7 * 24 * time.Hour
	MaxFlowStateTTL = time.Hour
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Environment
	Environment      string // production, staging, development, local
	DevRoutesEnabled bool

	// Database
	DatabaseURL string

	// OIDC
	OIDCIssuer               string
	OIDCClientID             string
	OIDCClientSecret         string
	OIDCRedirectURL          string
	OIDCAuthURL              string // 空の場合はディスカバリで取得する
	OIDCTokenURL             string
	OIDCJWKSURL              string
	OIDCUserInfoURL          string
	OIDCScopes               []string
	ProviderTag              string
	IDPExchangeTimeout       time.Duration
	IDPAllowPrivateEndpoints bool
	AdminEmails              []string

	// Session
	SessionSigningSecrets []string // 新しい順
	KeyringSecretID       string   // 設定時はSecrets Managerから署名シークレットを読む
	KeyringSecretField    string
	SessionTTL            time.Duration
	FlowStateTTL          time.Duration

	// Cookie
	CookieDomain      string
	CookieSecure      *bool // 未設定の場合は環境とBaseURLから決定する
	CookieSameSite    string
	TrustProxyHeaders bool

	// Fixtures
	FixturesPath string
	BcryptCost   int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitLogin   int

	// Server
	ServerPort string
	BaseURL    string
	AppRootURL string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.OIDCIssuer = required("OIDC_ISSUER")
	cfg.OIDCClientID = required("OIDC_CLIENT_ID")
	cfg.OIDCRedirectURL = required("OIDC_REDIRECT_URL")
	cfg.BaseURL = required("BASE_URL")

	cfg.KeyringSecretID = getEnvString("KEYRING_SECRET_ID", "")
	cfg.SessionSigningSecrets = getEnvList("SESSION_SIGNING_SECRETS")
	if cfg.KeyringSecretID == "" && len(cfg.SessionSigningSecrets) == 0 {
		missing = append(missing, "SESSION_SIGNING_SECRETS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.Environment = strings.ToLower(getEnvString("APP_ENV", "production"))
	cfg.DevRoutesEnabled = getEnvBool("DEV_ROUTES_ENABLED", false)

	cfg.OIDCClientSecret = getEnvString("OIDC_CLIENT_SECRET", "")
	cfg.OIDCAuthURL = getEnvString("OIDC_AUTH_URL", "")
	cfg.OIDCTokenURL = getEnvString("OIDC_TOKEN_URL", "")
	cfg.OIDCJWKSURL = getEnvString("OIDC_JWKS_URL", "")
	cfg.OIDCUserInfoURL = getEnvString("OIDC_USERINFO_URL", "")
	cfg.OIDCScopes = getEnvList("OIDC_SCOPES")
	cfg.ProviderTag = getEnvString("OIDC_PROVIDER_TAG", "oidc")
	cfg.IDPExchangeTimeout = getEnvDuration("IDP_EXCHANGE_TIMEOUT", 10*time.Second)
	cfg.IDPAllowPrivateEndpoints = getEnvBool("IDP_ALLOW_PRIVATE_ENDPOINTS", false)
	cfg.AdminEmails = getEnvList("ADMIN_EMAILS")

	cfg.KeyringSecretField = getEnvString("KEYRING_SECRET_FIELD", DefaultSecretField)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 8*time.Hour)
	cfg.FlowStateTTL = getEnvDuration("FLOW_STATE_TTL", 10*time.Minute)
	if err := checkTTL("SESSION_TTL", cfg.SessionTTL, MaxSessionTTL); err != nil {
		return nil, err
	}
	if err := checkTTL("FLOW_STATE_TTL", cfg.FlowStateTTL, MaxFlowStateTTL); err != nil {
		return nil, err
	}

	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieSecure = getEnvBoolPtr("COOKIE_SECURE")
	cfg.CookieSameSite = getEnvString("COOKIE_SAMESITE", "lax")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)

	cfg.FixturesPath = getEnvString("FIXTURES_PATH", "fixtures/users.yaml")
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppRootURL = getEnvString("APP_ROOT_URL", cfg.BaseURL)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// UsesDiscovery は認可・トークンエンドポイントをOIDCディスカバリで解決するかを返す。
func (c *Config) UsesDiscovery() bool {
	return c.OIDCAuthURL == "" || c.OIDCTokenURL == ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	if b := getEnvBoolPtr(key); b != nil {
		return *b
	}
	return defaultVal
}

// getEnvBoolPtr は未設定または解釈できない値の場合にnilを返す。
func getEnvBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// checkTTL は有効期限が0より大きく上限以下であることを確認する。
func checkTTL(key string, ttl, limit time.Duration) error {
	if ttl <= 0 || ttl > limit {
		return fmt.Errorf("%s must be greater than 0 and at most %s, got %s", key, limit, ttl)
	}
	return nil
}

// getEnvList はカンマ区切りの値を分割する。空要素は除く。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
