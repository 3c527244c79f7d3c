package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/fixtures"
	"github.com/hitoshi/authgate/internal/logger"
)

const appName = "authgate"

// ErrSeedInProduction は本番環境でseedコマンドが実行された場合のエラー。
var ErrSeedInProduction = errors.New("refusing to seed fixture users in production")

// ErrSeedWithoutDevRoutes は開発ルートが無効な環境でseedコマンドが実行された場合のエラー。
// フィクスチャのdev_unlockedは開発ルートが有効な環境でのみ書き込める。
var ErrSeedWithoutDevRoutes = errors.New("refusing to seed fixture users while dev routes are disabled")

// Init はアプリケーションの初期化を行う。
// .envとSecrets Managerから環境変数を補完し、Configを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(ctx context.Context, w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数を補完して設定を読み込む
	config.LoadEnv(ctx, ".env")
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	ctx := context.Background()
	cfg, err := Init(ctx, w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	case CommandSeed:
		path := cfg.FixturesPath
		if len(args) > 1 {
			path = args[1]
		}
		return runSeed(ctx, cfg, path)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer srv.Close()

	fmt.Fprintln(os.Stderr, figure.NewFigure(appName, "cybermedium", true).String())

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("cookie_domain", srv.Policy.Domain),
			slog.Bool("cookie_secure", srv.Policy.Secure),
			slog.Bool("dev_routes", srv.Env.DevRoutesEnabled()),
			slog.Any("key_generations", srv.Keys.IDs()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// PostgreSQLは埋め込みSQLを順番に適用し、SQLiteはスキーマを自動生成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	driver, err := database.DetectDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver == database.DriverSQLite {
		store, err := openUserStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return store.Close()
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runSeed はフィクスチャファイルのユーザーをユーザーストアに投入する。
// 本番環境、または開発ルートが無効な環境では実行を拒否する。
func runSeed(ctx context.Context, cfg *config.Config, path string) error {
	environment := cookiepolicy.ParseEnvironment(cfg.Environment)
	if environment == cookiepolicy.EnvProduction {
		return ErrSeedInProduction
	}
	if !access.NewEnv(environment, cfg.DevRoutesEnabled).DevRoutesEnabled() {
		return ErrSeedWithoutDevRoutes
	}

	file, err := fixtures.LoadFile(path)
	if err != nil {
		return err
	}

	store, err := openUserStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := fixtures.Seed(ctx, store.users, file, cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to seed fixtures: %w", err)
	}
	slog.Info("fixture users seeded", slog.String("path", path), slog.Int("count", n))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
