package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source は署名シークレットの読み込み元。
type Source interface {
	Load(ctx context.Context) ([]string, error)
}

// EnvSource は環境変数からシークレットを読み込む。
type EnvSource struct {
	Key string
}

// Load は環境変数を読み直してシークレットを返す。
func (s EnvSource) Load(_ context.Context) ([]string, error) {
	secrets := ParseSecrets(os.Getenv(s.Key))
	if len(secrets) == 0 {
		return nil, fmt.Errorf("environment variable %s is empty", s.Key)
	}
	return secrets, nil
}

// SecretsManagerAPI はSecretsManagerSourceが利用するAWS Secrets Manager APIの部分集合。
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource はAWS Secrets ManagerのJSONシークレットの1キーから
// カンマ区切りのシークレットリストを読み込む。
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	secretID string
	field    string
}

// NewSecretsManagerSource は新しいSecretsManagerSourceを生成する。
func NewSecretsManagerSource(client SecretsManagerAPI, secretID, field string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID, field: field}
}

// Load はシークレットを取得して返す。
func (s *SecretsManagerSource) Load(ctx context.Context) ([]string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret value: %w", err)
	}
	if out.SecretString == nil {
		return nil, errors.New("secret has no string value")
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("failed to parse secret JSON: %w", err)
	}
	raw, ok := values[s.field].(string)
	if !ok {
		return nil, fmt.Errorf("secret key %s is missing or not a string", s.field)
	}

	secrets := ParseSecrets(raw)
	if len(secrets) == 0 {
		return nil, fmt.Errorf("secret key %s is empty", s.field)
	}
	return secrets, nil
}
