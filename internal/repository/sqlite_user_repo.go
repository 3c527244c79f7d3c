package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hitoshi/authgate/internal/model"
)

// SQLiteUserRow はSQLiteのusersテーブルの行。
type SQLiteUserRow struct {
	ID           string   `gorm:"primaryKey;size:36"`
	Issuer       string   `gorm:"size:255;not null;uniqueIndex:idx_users_issuer_subject"`
	Subject      string   `gorm:"size:255;not null;uniqueIndex:idx_users_issuer_subject"`
	Email        string   `gorm:"size:320;not null;index"`
	DisplayName  string   `gorm:"size:255;not null;default:''"`
	Roles        []string `gorm:"serializer:json;not null"`
	DevUnlocked  bool     `gorm:"not null;default:false"`
	PasswordHash string   `gorm:"size:255"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName はテーブル名を返す。
func (SQLiteUserRow) TableName() string {
	return "users"
}

func (row *SQLiteUserRow) toModel() *model.User {
	return &model.User{
		ID:           row.ID,
		Issuer:       row.Issuer,
		Subject:      row.Subject,
		Email:        row.Email,
		DisplayName:  row.DisplayName,
		Roles:        row.Roles,
		DevUnlocked:  row.DevUnlocked,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

// MigrateSQLite はSQLiteのスキーマを作成・更新する。
func MigrateSQLite(db *gorm.DB) error {
	if err := db.AutoMigrate(&SQLiteUserRow{}); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// SQLiteUserRepo はローカル（ループバック）構成向けのSQLiteユーザーリポジトリ。
type SQLiteUserRepo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLiteUserRepo はSQLiteUserRepoを生成する。
func NewSQLiteUserRepo(db *gorm.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db, now: time.Now}
}

// UpsertIdentity は(issuer, subject)をキーにユーザーを作成または更新する。
func (r *SQLiteUserRepo) UpsertIdentity(ctx context.Context, identity *model.Identity) (*model.User, error) {
	now := r.now().UTC()
	roles := identity.InitialRoles
	if roles == nil {
		roles = []string{}
	}
	row := SQLiteUserRow{
		ID:          uuid.NewString(),
		Issuer:      identity.Issuer,
		Subject:     identity.Subject,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Roles:       roles,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var stored SQLiteUserRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "issuer"}, {Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("issuer = ? AND subject = ?", identity.Issuer, identity.Subject).First(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return stored.toModel(), nil
}

// FindBySubject は(issuer, subject)でユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindBySubject(ctx context.Context, issuer, subject string) (*model.User, error) {
	var row SQLiteUserRow
	err := r.db.WithContext(ctx).Where("issuer = ? AND subject = ?", issuer, subject).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by subject: %w", err)
	}
	return row.toModel(), nil
}

// FindByEmail は指定Issuer内でメールアドレスからユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByEmail(ctx context.Context, issuer, email string) (*model.User, error) {
	var row SQLiteUserRow
	err := r.db.WithContext(ctx).
		Where("issuer = ? AND lower(email) = ?", issuer, strings.ToLower(email)).
		Order("created_at").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return row.toModel(), nil
}

// SetDevUnlocked はユーザーのdev_unlockedを更新する。
func (r *SQLiteUserRepo) SetDevUnlocked(ctx context.Context, issuer, subject string, unlocked bool) error {
	result := r.db.WithContext(ctx).Model(&SQLiteUserRow{}).
		Where("issuer = ? AND subject = ?", issuer, subject).
		Select("dev_unlocked", "updated_at").
		Updates(&SQLiteUserRow{DevUnlocked: unlocked, UpdatedAt: r.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to update dev_unlocked: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetRoles はユーザーのロールを置き換えて更新後のユーザーを返す。
func (r *SQLiteUserRepo) SetRoles(ctx context.Context, issuer, subject string, roles []string) (*model.User, error) {
	if roles == nil {
		roles = []string{}
	}
	var stored SQLiteUserRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&SQLiteUserRow{}).
			Where("issuer = ? AND subject = ?", issuer, subject).
			Select("roles", "updated_at").
			Updates(&SQLiteUserRow{Roles: roles, UpdatedAt: r.now().UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return tx.Where("issuer = ? AND subject = ?", issuer, subject).First(&stored).Error
	})
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update roles: %w", err)
	}
	return stored.toModel(), nil
}

// UpsertFixture はフィクスチャユーザーを全属性ごと作成または更新する。
func (r *SQLiteUserRepo) UpsertFixture(ctx context.Context, user *model.User) error {
	now := r.now().UTC()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	row := SQLiteUserRow{
		ID:           user.ID,
		Issuer:       user.Issuer,
		Subject:      user.Subject,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		Roles:        roles,
		DevUnlocked:  user.DevUnlocked,
		PasswordHash: user.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "issuer"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "display_name", "roles", "dev_unlocked", "password_hash", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert fixture user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*SQLiteUserRepo)(nil)
