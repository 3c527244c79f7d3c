package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// SecretGetter はSecrets Managerからシークレットを取得するクライアントを表す。
// *secretsmanager.Client が満たす。
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var _ SecretGetter = (*secretsmanager.Client)(nil)

// LoadEnv はAWS Secrets Manager（設定時）と .env ファイルから環境変数を補完する。
// 既に設定済みの環境変数は上書きしない（AWS_SECRETS_MANAGER_OVERWRITE=true を除く）。
// Load より前に呼び出す。
func LoadEnv(ctx context.Context, defaultEnvPath string) {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID != "" {
		client, err := NewSecretsManagerClient(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
		if err != nil {
			slog.Warn("skipping AWS Secrets Manager load", slog.String("error", err.Error()))
		} else if err := LoadSecretIntoEnv(ctx, client, secretID); err != nil {
			slog.Warn("skipping AWS Secrets Manager load", slog.String("error", err.Error()))
		}
	}
	loadDotEnv(defaultEnvPath)
}

// NewSecretsManagerClient はAWSのデフォルト認証情報チェーンでクライアントを生成する。
// regionが空の場合は環境の既定リージョンを使う。
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadSecretIntoEnv はJSONオブジェクト形式のシークレットを環境変数へ展開する。
func LoadSecretIntoEnv(ctx context.Context, client SecretGetter, secretID string) error {
	versionStage := getEnvString("AWS_SECRETS_MANAGER_VERSION_STAGE", "AWSCURRENT")
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return fmt.Errorf("failed to parse secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("failed to set env %s from secret: %w", key, err)
		}
		applied++
	}

	// キー名のみ記録し、値は出力しない
	slog.Info("loaded env vars from AWS Secrets Manager",
		slog.String("secret_id", secretID),
		slog.Int("applied", applied),
		slog.Bool("overwrite", overwrite),
	)
	return nil
}

func loadDotEnv(defaultEnvPath string) {
	envFile := getEnvString("ENV_FILE_PATH", defaultEnvPath)
	if err := godotenv.Load(envFile); err != nil {
		// コンテナでは環境変数が注入されるため .env は任意
		slog.Debug("env file not loaded", slog.String("path", envFile))
	}
}
