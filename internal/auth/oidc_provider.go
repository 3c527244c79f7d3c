package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const defaultProviderTimeout = 10 * time.Second

// OAuthUserInfo はIDプロバイダーで検証済みのユーザー情報。
type OAuthUserInfo struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

// IdentityProvider は認可コードフローのプロバイダー側操作を表す。
type IdentityProvider interface {
	// AuthCodeURL はPKCEチャレンジ付きの認可URLを返す。
	AuthCodeURL(state, verifier string) string
	// Exchange は認可コードをトークンに交換し、IDトークンを検証してユーザー情報を返す。
	Exchange(ctx context.Context, code, verifier string) (*OAuthUserInfo, error)
}

// IdentityError はプロバイダーの応答は得られたが、身元の主張を受け入れられない場合のエラー。
type IdentityError struct {
	Reason string
	Err    error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return "invalid identity assertion: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid identity assertion: " + e.Reason
}

func (e *IdentityError) Unwrap() error { return e.Err }

// OIDCConfig はOIDCプロバイダーの設定。
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Issuer       string

	// 空の場合はIssuerのディスカバリードキュメントから取得する
	AuthURL     string
	TokenURL    string
	JWKSURL     string
	UserInfoURL string

	// 0の場合はclient_secret_basic
	AuthStyle oauth2.AuthStyle

	Scopes     []string
	HTTPClient *http.Client

	// テスト用
	KeySet oidc.KeySet
	Now    func() time.Time
}

// OIDCProvider はOAuth2認可コードフロー（PKCE付き）とIDトークン検証を提供する。
type OIDCProvider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	provider *oidc.Provider
	client   *http.Client
}

// DiscoverOIDCProvider はIssuerのディスカバリードキュメントを取得し、
// 未設定のエンドポイントを補完してからOIDCProviderを生成する。
func DiscoverOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	client := providerClient(cfg.HTTPClient)
	discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc provider: %w", err)
	}

	endpoint := discovered.Endpoint()
	if cfg.AuthURL == "" {
		cfg.AuthURL = endpoint.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = endpoint.TokenURL
	}
	if cfg.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.AuthStyle = endpoint.AuthStyle
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = discovered.UserInfoEndpoint()
	}
	if cfg.JWKSURL == "" {
		var meta struct {
			JWKSURL string `json:"jwks_uri"`
		}
		if err := discovered.Claims(&meta); err != nil {
			return nil, fmt.Errorf("failed to read discovery document: %w", err)
		}
		cfg.JWKSURL = meta.JWKSURL
	}
	return NewOIDCProvider(cfg)
}

// NewOIDCProvider は明示的なエンドポイント設定からOIDCProviderを生成する。
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.ClientID == "" || cfg.Issuer == "" {
		return nil, errors.New("oidc client id and issuer are required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("oidc authorization and token endpoints are required")
	}

	client := providerClient(cfg.HTTPClient)
	keySet := cfg.KeySet
	if keySet == nil {
		if cfg.JWKSURL == "" {
			return nil, errors.New("oidc jwks url is required")
		}
		keySet = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), client), cfg.JWKSURL)
	}

	authStyle := cfg.AuthStyle
	if authStyle == oauth2.AuthStyleAutoDetect {
		authStyle = oauth2.AuthStyleInHeader
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	// ユーザー情報の取得はgo-oidcのProviderに任せる
	providerCfg := &oidc.ProviderConfig{
		IssuerURL:   cfg.Issuer,
		AuthURL:     cfg.AuthURL,
		TokenURL:    cfg.TokenURL,
		JWKSURL:     cfg.JWKSURL,
		UserInfoURL: cfg.UserInfoURL,
	}

	return &OIDCProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL, AuthStyle: authStyle},
			Scopes:       scopes,
		},
		verifier: oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID, Now: cfg.Now}),
		provider: providerCfg.NewProvider(oidc.ClientContext(context.Background(), client)),
		client:   client,
	}, nil
}

func providerClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultProviderTimeout}
}

// AuthCodeURL は認可URLを生成する。code_challengeはS256で送る。
func (p *OIDCProvider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

type userInfoClaims struct {
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

// Exchange は認可コードをトークンに交換し、IDトークンを検証する。
// IDトークンにメールアドレスが含まれない場合はユーザー情報エンドポイントで補完する。
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*OAuthUserInfo, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	ctx = oidc.ClientContext(ctx, p.client)

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, &IdentityError{Reason: "id_token missing from token response"}
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &IdentityError{Reason: "id_token rejected", Err: err}
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, &IdentityError{Reason: "id_token claims unreadable", Err: err}
	}

	info := &OAuthUserInfo{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified == nil || *claims.EmailVerified,
	}

	if info.Email == "" && p.provider.UserInfoEndpoint() != "" && token.AccessToken != "" {
		ui, extra, err := p.fetchUserInfo(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user info: %w", err)
		}
		if ui.Subject != info.Subject {
			return nil, &IdentityError{Reason: "userinfo subject does not match id_token"}
		}
		info.Email = ui.Email
		info.EmailVerified = extra.EmailVerified == nil || *extra.EmailVerified
		if info.Name == "" {
			info.Name = extra.Name
		}
	}

	if info.Subject == "" {
		return nil, &IdentityError{Reason: "subject missing"}
	}
	if info.Email == "" {
		return nil, &IdentityError{Reason: "email missing"}
	}
	if !info.EmailVerified {
		return nil, &IdentityError{Reason: "email not verified"}
	}
	return info, nil
}

// fetchUserInfo はアクセストークンでユーザー情報エンドポイントを呼び出す。
// email_verifiedが省略された応答を区別するため、追加クレームも返す。
func (p *OIDCProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, *userInfoClaims, error) {
	ui, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, nil, err
	}
	if ui.Subject == "" {
		return nil, nil, errors.New("empty sub in user info response")
	}

	var extra userInfoClaims
	if err := ui.Claims(&extra); err != nil {
		return nil, nil, fmt.Errorf("failed to parse user info claims: %w", err)
	}
	return ui, &extra, nil
}

// compile-time interface check
var _ IdentityProvider = (*OIDCProvider)(nil)
