package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/authgate/internal/model"
)

const userColumns = `id, issuer, subject, email, display_name, roles, dev_unlocked,
	COALESCE(password_hash, ''), created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Issuer, &user.Subject, &user.Email, &user.DisplayName,
		pq.Array(&user.Roles), &user.DevUnlocked, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpsertIdentity は(issuer, subject)をキーにユーザーを作成または更新する。
// INSERT ... ON CONFLICT ... RETURNING の1文で実行する。
func (r *PostgresUserRepo) UpsertIdentity(ctx context.Context, identity *model.Identity) (*model.User, error) {
	now := r.now().UTC()
	roles := identity.InitialRoles
	if roles == nil {
		roles = []string{}
	}

	user, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, issuer, subject, email, display_name, roles, dev_unlocked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		 ON CONFLICT (issuer, subject) DO UPDATE
		 SET email = EXCLUDED.email,
		     display_name = EXCLUDED.display_name,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.NewString(), identity.Issuer, identity.Subject, identity.Email, identity.DisplayName,
		pq.Array(roles), now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// FindBySubject は(issuer, subject)でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindBySubject(ctx context.Context, issuer, subject string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE issuer = $1 AND subject = $2`,
		issuer, subject,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by subject: %w", err)
	}
	return user, nil
}

// FindByEmail は指定Issuer内でメールアドレスからユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, issuer, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE issuer = $1 AND lower(email) = lower($2)
		 ORDER BY created_at LIMIT 1`,
		issuer, email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// SetDevUnlocked はユーザーのdev_unlockedを更新する。
func (r *PostgresUserRepo) SetDevUnlocked(ctx context.Context, issuer, subject string, unlocked bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET dev_unlocked = $1, updated_at = $2 WHERE issuer = $3 AND subject = $4`,
		unlocked, r.now().UTC(), issuer, subject,
	)
	if err != nil {
		return fmt.Errorf("failed to update dev_unlocked: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetRoles はユーザーのロールを置き換えて更新後のユーザーを返す。
func (r *PostgresUserRepo) SetRoles(ctx context.Context, issuer, subject string, roles []string) (*model.User, error) {
	if roles == nil {
		roles = []string{}
	}
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET roles = $1, updated_at = $2 WHERE issuer = $3 AND subject = $4
		 RETURNING `+userColumns,
		pq.Array(roles), r.now().UTC(), issuer, subject,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update roles: %w", err)
	}
	return user, nil
}

// UpsertFixture はフィクスチャユーザーを全属性ごと作成または更新する。
func (r *PostgresUserRepo) UpsertFixture(ctx context.Context, user *model.User) error {
	now := r.now().UTC()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, issuer, subject, email, display_name, roles, dev_unlocked, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (issuer, subject) DO UPDATE
		 SET email = EXCLUDED.email,
		     display_name = EXCLUDED.display_name,
		     roles = EXCLUDED.roles,
		     dev_unlocked = EXCLUDED.dev_unlocked,
		     password_hash = EXCLUDED.password_hash,
		     updated_at = EXCLUDED.updated_at`,
		user.ID, user.Issuer, user.Subject, user.Email, user.DisplayName,
		pq.Array(roles), user.DevUnlocked, user.PasswordHash, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fixture user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
