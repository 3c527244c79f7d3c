package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/csrf"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/fixtures"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/keyring"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/sessiontoken"
)

// discoveryTimeout はOIDCディスカバリードキュメント取得のタイムアウト。
const discoveryTimeout = 10 * time.Second

// Server はserveコマンドで起動するHTTPハンドラーと、その終了処理をまとめる。
type Server struct {
	Handler http.Handler
	Keys    *keyring.Keyring
	Policy  cookiepolicy.Policy
	Env     access.Env

	rateLimiter *middleware.RateLimiter
	store       *userStore
}

// Close はレートリミッターのクリーンアップを停止し、DB接続を閉じる。
func (s *Server) Close() error {
	s.rateLimiter.Stop()
	return s.store.Close()
}

// userStore はドライバごとのユーザーリポジトリと接続をまとめる。
type userStore struct {
	driver database.Driver
	users  repository.UserRepository
	health handler.HealthChecker
	close  func() error
}

// Close はDB接続を閉じる。
func (s *userStore) Close() error {
	return s.close()
}

// openUserStore は接続URLのスキームに応じてユーザーストアを開く。
// PostgreSQLのスキーマはmigrateコマンドで適用し、SQLiteは起動時にAutoMigrateする。
func openUserStore(ctx context.Context, databaseURL string) (*userStore, error) {
	driver, err := database.DetectDriver(databaseURL)
	if err != nil {
		return nil, err
	}

	switch driver {
	case database.DriverSQLite:
		gdb, sqlDB, err := database.OpenSQLite(databaseURL)
		if err != nil {
			return nil, err
		}
		if err := repository.MigrateSQLite(gdb); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return &userStore{
			driver: driver,
			users:  repository.NewSQLiteUserRepo(gdb),
			health: sqlDB,
			close:  sqlDB.Close,
		}, nil
	default:
		db, err := database.Open(databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &userStore{
			driver: driver,
			users:  repository.NewPostgresUserRepo(db),
			health: db,
			close:  db.Close,
		}, nil
	}
}

// loadKeyring は設定に応じたシークレット読み込み元からキーリングを構築する。
// 返すSourceは /admin/keys/reload で再読み込みに使う。
func loadKeyring(ctx context.Context, cfg *config.Config) (*keyring.Keyring, keyring.Source, error) {
	var source keyring.Source = keyring.EnvSource{Key: "SESSION_SIGNING_SECRETS"}
	if cfg.KeyringSecretID != "" {
		client, err := config.NewSecretsManagerClient(ctx, "")
		if err != nil {
			return nil, nil, err
		}
		source = keyring.NewSecretsManagerSource(client, cfg.KeyringSecretID, cfg.KeyringSecretField)
	}

	secrets, err := source.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signing secrets: %w", err)
	}
	keys, err := keyring.New(secrets)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build keyring: %w", err)
	}
	return keys, source, nil
}

// newIdentityProvider はIdPエンドポイントを検証し、OIDCプロバイダーを構築する。
// 認可・トークンエンドポイントが未設定の場合はディスカバリで補完する。
func newIdentityProvider(ctx context.Context, cfg *config.Config) (*auth.OIDCProvider, error) {
	guard := security.NewProviderGuard(cfg.IDPAllowPrivateEndpoints)
	for _, endpoint := range []string{cfg.OIDCIssuer, cfg.OIDCAuthURL, cfg.OIDCTokenURL, cfg.OIDCJWKSURL, cfg.OIDCUserInfoURL} {
		if endpoint == "" {
			continue
		}
		if err := guard.ValidateEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("failed to validate identity provider endpoint: %w", err)
		}
	}

	oidcCfg := auth.OIDCConfig{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		Issuer:       cfg.OIDCIssuer,
		AuthURL:      cfg.OIDCAuthURL,
		TokenURL:     cfg.OIDCTokenURL,
		JWKSURL:      cfg.OIDCJWKSURL,
		UserInfoURL:  cfg.OIDCUserInfoURL,
		Scopes:       cfg.OIDCScopes,
		HTTPClient:   guard.NewProviderClient(cfg.IDPExchangeTimeout),
	}

	if !cfg.UsesDiscovery() {
		return auth.NewOIDCProvider(oidcCfg)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	return auth.DiscoverOIDCProvider(ctx, oidcCfg)
}

// rateLimiterConfig は1分あたりの設定値をreq/secに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rl.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rl.LoginBurst = cfg.RateLimitLogin
	}
	return rl
}

// NewServer は設定から全依存関係をワイヤリングし、Serverを構築する。
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	// 1. 環境とCookieポリシー
	environment := cookiepolicy.ParseEnvironment(cfg.Environment)
	policy, err := cookiepolicy.Resolve(cookiepolicy.Input{
		Environment:       environment,
		Domain:            cfg.CookieDomain,
		Secure:            cfg.CookieSecure,
		SameSite:          cfg.CookieSameSite,
		BaseURL:           cfg.BaseURL,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cookie policy: %w", err)
	}

	env := access.NewEnv(environment, cfg.DevRoutesEnabled)
	if cfg.DevRoutesEnabled && !env.DevRoutesEnabled() {
		slog.Warn("dev routes requested but disabled in this environment",
			slog.String("environment", string(environment)),
		)
	}

	// 2. キーリングとトークンコーデック
	keys, source, err := loadKeyring(ctx, cfg)
	if err != nil {
		return nil, err
	}
	flows := auth.NewFlowCodec(keys, cfg.FlowStateTTL)
	sessions := sessiontoken.NewCodec(keys, cfg.SessionTTL)
	csrfEngine := csrf.NewEngine(keys)

	// 3. IdP
	provider, err := newIdentityProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 5. ユーザーストア
	store, err := openUserStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("user store opened", slog.String("driver", string(store.driver)))

	// 6. ドメインサービス
	authService := auth.NewService(
		provider, store.users, flows, sessions, csrfEngine,
		security.NewDisplayNameSanitizer(), collector,
		auth.ServiceConfig{
			ProviderTag:     cfg.ProviderTag,
			ExchangeTimeout: cfg.IDPExchangeTimeout,
			AdminEmails:     cfg.AdminEmails,
		},
	)

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),
		HealthChecker:     store.health,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		RateLimiter:       rateLimiter,

		Policy:     policy,
		Env:        env,
		AppRootURL: cfg.AppRootURL,
		FlowTTL:    cfg.FlowStateTTL,
		SessionTTL: cfg.SessionTTL,

		Sessions: sessions,
		CSRF:     csrfEngine,

		AuthService: authService,
		Users:       store.users,

		Keys:      keys,
		KeySource: source,
	}
	if env.DevRoutesEnabled() {
		fixtureAuth, err := fixtures.NewAuthenticator(store.users, cfg.BcryptCost)
		if err != nil {
			rateLimiter.Stop()
			store.Close()
			return nil, err
		}
		deps.Fixtures = fixtureAuth
	}

	return &Server{
		Handler:     handler.NewRouter(deps),
		Keys:        keys,
		Policy:      policy,
		Env:         env,
		rateLimiter: rateLimiter,
		store:       store,
	}, nil
}
