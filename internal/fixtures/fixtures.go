// Package fixtures は開発・ステージング環境向けのフィクスチャユーザーを扱う。
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しない場合のエラー。
// どちらが誤っているかは区別しない。
var ErrInvalidCredentials = errors.New("invalid fixture credentials")

// User はフィクスチャファイルの1ユーザー。
type User struct {
	Email       string   `yaml:"email"`
	Subject     string   `yaml:"subject"`
	DisplayName string   `yaml:"display_name"`
	Roles       []string `yaml:"roles"`
	Password    string   `yaml:"password"`
	DevUnlocked bool     `yaml:"dev_unlocked"`
}

// File はフィクスチャファイル全体。
type File struct {
	Users []User `yaml:"users"`
}

// Load はYAMLを読み込み検証する。未知のキーはエラーにする。
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile はパスからフィクスチャファイルを読み込む。
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures file: %w", err)
	}
	return Load(bytes.NewReader(data))
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u.Email == "" || u.Subject == "" || u.Password == "" {
			return fmt.Errorf("fixture user %d: email, subject and password are required", i)
		}
		if seen[u.Subject] {
			return fmt.Errorf("fixture user %d: duplicate subject %q", i, u.Subject)
		}
		seen[u.Subject] = true
		for _, role := range u.Roles {
			if role != model.RoleUser && role != model.RoleAdmin {
				return fmt.Errorf("fixture user %d: unknown role %q", i, role)
			}
		}
	}
	return nil
}

// Seed はフィクスチャユーザーのパスワードをハッシュ化してusersテーブルに登録する。
// 既存のフィクスチャユーザーは上書きする。
func Seed(ctx context.Context, repo repository.UserRepository, f *File, cost int) (int, error) {
	for _, u := range f.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
		if err != nil {
			return 0, fmt.Errorf("failed to hash password for %s: %w", u.Subject, err)
		}
		roles := u.Roles
		if len(roles) == 0 {
			roles = []string{model.RoleUser}
		}
		if err := repo.UpsertFixture(ctx, &model.User{
			Issuer:       model.FixtureIssuer,
			Subject:      u.Subject,
			Email:        strings.ToLower(u.Email),
			DisplayName:  u.DisplayName,
			Roles:        roles,
			DevUnlocked:  u.DevUnlocked,
			PasswordHash: string(hash),
		}); err != nil {
			return 0, fmt.Errorf("failed to seed fixture %s: %w", u.Subject, err)
		}
	}
	return len(f.Users), nil
}

// Authenticator はフィクスチャユーザーのパスワード認証を行う。
type Authenticator struct {
	users     repository.UserRepository
	dummyHash []byte
}

// NewAuthenticator はAuthenticatorを生成する。
// 存在しないメールアドレスでも同程度の時間がかかるよう、比較用のダミーハッシュを用意する。
func NewAuthenticator(users repository.UserRepository, cost int) (*Authenticator, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("authgate-fixture-dummy"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &Authenticator{users: users, dummyHash: dummy}, nil
}

// Authenticate はメールアドレスとパスワードを検証し、フィクスチャユーザーを返す。
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := a.users.FindByEmail(ctx, model.FixtureIssuer, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to find fixture user: %w", err)
	}

	hash := a.dummyHash
	if user != nil && user.PasswordHash != "" {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || user == nil || user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
