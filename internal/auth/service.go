// Package auth はOAuth2/OIDC認可コードフローとセッション発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

// ログイン失敗カテゴリ
const (
	CategoryInvalidState        = "invalid_state"
	CategoryTokenExchangeFailed = "token_exchange_failed"
	CategoryInvalidIdentity     = "invalid_identity"
	CategoryProviderDenied      = "provider_denied"
)

// FlowError はコールバック処理の失敗を表す。
// Errはログ出力専用で、レスポンスにはCategoryのみを載せる。
type FlowError struct {
	Category  string
	Retryable bool
	Err       error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login flow failed (%s): %v", e.Category, e.Err)
	}
	return fmt.Sprintf("login flow failed (%s)", e.Category)
}

func (e *FlowError) Unwrap() error { return e.Err }

func flowError(category string, err error) *FlowError {
	return &FlowError{Category: category, Err: err}
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ProviderTag     string        // usersテーブルのissuer列に保存する値
	ExchangeTimeout time.Duration // トークン交換のタイムアウト（リトライなし）
	AdminEmails     []string      // 初回ログイン時にadminロールを付与するメールアドレス
	Now             func() time.Time
}

// Service はログインフローとセッション発行のビジネスロジックを提供する。
type Service struct {
	provider  IdentityProvider
	users     repository.UserRepository
	flows     *FlowCodec
	sessions  *sessiontoken.Codec
	csrf      *csrf.Engine
	sanitizer security.DisplayNameSanitizer
	metrics   metrics.MetricsCollector
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	provider IdentityProvider,
	users repository.UserRepository,
	flows *FlowCodec,
	sessions *sessiontoken.Codec,
	csrfEngine *csrf.Engine,
	sanitizer security.DisplayNameSanitizer,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if sanitizer == nil {
		sanitizer = security.NewDisplayNameSanitizer()
	}
	return &Service{
		provider:  provider,
		users:     users,
		flows:     flows,
		sessions:  sessions,
		csrf:      csrfEngine,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
	}
}

// Flows はFlowStateのコーデックを返す。
func (s *Service) Flows() *FlowCodec {
	return s.flows
}

// Now はサービスの現在時刻を返す。
func (s *Service) Now() time.Time {
	return s.config.Now()
}

// LoginStart はログイン開始時にハンドラーへ返す値。
type LoginStart struct {
	RedirectURL     string
	FlowCookieValue string
}

// BeginLogin は新しいFlowStateを生成し、プロバイダーの認可URLを返す。
func (s *Service) BeginLogin() (*LoginStart, error) {
	state, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	value, err := s.flows.Encode(FlowState{
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    s.config.Now(),
	})
	if err != nil {
		return nil, err
	}

	return &LoginStart{
		RedirectURL:     s.provider.AuthCodeURL(state, verifier),
		FlowCookieValue: value,
	}, nil
}

// CallbackParams はコールバックのクエリパラメータ。
type CallbackParams struct {
	State string
	Code  string
	Error string
}

// Session は発行済みセッションとCSRFトークンの組。
type Session struct {
	User      *model.User
	Claims    sessiontoken.Claims
	Token     string
	CSRFToken string
}

// CompleteLogin はコールバックを検証し、成功時にセッションを発行する。
// 失敗時は*FlowErrorまたは内部エラーを返す。
func (s *Service) CompleteLogin(ctx context.Context, params CallbackParams, flowCookie string) (*Session, error) {
	session, err := s.completeLogin(ctx, params, flowCookie)
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			s.metrics.RecordFlowFailure(fe.Category)
			slog.Warn("login flow failed",
				slog.String("category", fe.Category),
				slog.Bool("retryable", fe.Retryable),
				slog.Any("error", fe.Err),
			)
		}
		s.metrics.RecordLogin(metrics.LoginFailure)
		return nil, err
	}

	s.metrics.RecordLogin(metrics.LoginSuccess)
	slog.Info("login succeeded",
		slog.String("issuer", session.Claims.Issuer),
		slog.String("subject", session.Claims.Subject),
	)
	return session, nil
}

func (s *Service) completeLogin(ctx context.Context, params CallbackParams, flowCookie string) (*Session, error) {
	// 1. stateを最初に検証する。FlowStateのないコールバックは何も信用しない
	flow, err := s.flows.Decode(flowCookie, s.config.Now())
	if err != nil {
		return nil, flowError(CategoryInvalidState, err)
	}
	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(flow.State)) != 1 {
		return nil, flowError(CategoryInvalidState, errors.New("state mismatch"))
	}

	// 2. プロバイダーが拒否した場合
	if params.Error != "" {
		return nil, flowError(CategoryProviderDenied, fmt.Errorf("provider returned error %q", truncate(params.Error, 64)))
	}
	if params.Code == "" {
		return nil, flowError(CategoryTokenExchangeFailed, errors.New("authorization code missing"))
	}

	// 3. トークン交換。タイムアウト付きで1回のみ試行する
	info, err := s.exchange(ctx, params.Code, flow.CodeVerifier)
	if err != nil {
		var idErr *IdentityError
		if errors.As(err, &idErr) {
			return nil, flowError(CategoryInvalidIdentity, err)
		}
		return nil, &FlowError{Category: CategoryTokenExchangeFailed, Retryable: isTransient(err), Err: err}
	}
	if info.Subject == "" || info.Email == "" {
		return nil, flowError(CategoryInvalidIdentity, errors.New("subject or email missing"))
	}

	// 4. ユーザーの作成または更新
	user, err := s.users.UpsertIdentity(ctx, &model.Identity{
		Issuer:       s.config.ProviderTag,
		Subject:      info.Subject,
		Email:        info.Email,
		DisplayName:  s.sanitizer.Sanitize(info.Name),
		InitialRoles: s.initialRoles(info.Email),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// 5. セッション発行
	return s.StartSession(user)
}

func (s *Service) exchange(ctx context.Context, code, verifier string) (*OAuthUserInfo, error) {
	if s.config.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ExchangeTimeout)
		defer cancel()
	}

	start := time.Now()
	info, err := s.provider.Exchange(ctx, code, verifier)
	s.metrics.RecordTokenExchange(time.Since(start))
	return info, err
}

func (s *Service) initialRoles(email string) []string {
	roles := []string{model.RoleUser}
	if slices.ContainsFunc(s.config.AdminEmails, func(admin string) bool {
		return strings.EqualFold(strings.TrimSpace(admin), email)
	}) {
		roles = append(roles, model.RoleAdmin)
	}
	return roles
}

// StartSession はユーザーに対して新しいセッションとCSRFトークンを発行する。
// ロール変更時の再発行やフィクスチャログインでも使用する。
func (s *Service) StartSession(user *model.User) (*Session, error) {
	claims := s.sessions.NewClaims(user.Issuer, user.Subject, user.Email, user.DisplayName, user.Roles, s.config.Now())
	token, err := s.sessions.Issue(claims)
	if err != nil {
		return nil, err
	}
	csrfToken, err := s.csrf.Issue(claims.Fingerprint())
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Claims: claims, Token: token, CSRFToken: csrfToken}, nil
}

// isTransient は再ログインで回復しうる一時的なネットワーク障害かを判定する。
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
