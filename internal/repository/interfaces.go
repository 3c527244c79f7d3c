// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrUserNotFound は更新対象のユーザーが存在しないことを表す。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// UpsertIdentity は(issuer, subject)をキーにユーザーを作成または更新する。
	// 単一のアトミックな操作で行い、同時ログインでも重複ユーザーを作らない。
	// 既存ユーザーのロールとdev_unlockedは変更しない。
	UpsertIdentity(ctx context.Context, identity *model.Identity) (*model.User, error)

	// FindBySubject は(issuer, subject)でユーザーを取得する。見つからない場合はnilを返す。
	FindBySubject(ctx context.Context, issuer, subject string) (*model.User, error)

	// FindByEmail は指定Issuer内でメールアドレスからユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, issuer, email string) (*model.User, error)

	// SetDevUnlocked はユーザーのdev_unlockedを更新する。
	// 対象が存在しない場合はErrUserNotFoundを返す。
	SetDevUnlocked(ctx context.Context, issuer, subject string, unlocked bool) error

	// SetRoles はユーザーのロールを置き換えて更新後のユーザーを返す。
	// 対象が存在しない場合はErrUserNotFoundを返す。
	SetRoles(ctx context.Context, issuer, subject string, roles []string) (*model.User, error)

	// UpsertFixture はフィクスチャユーザーを全属性ごと作成または更新する。
	UpsertFixture(ctx context.Context, user *model.User) error
}
