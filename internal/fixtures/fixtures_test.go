package fixtures_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/fixtures"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

const sample = `
users:
  - email: Admin@Example.test
    subject: fixture-admin
    display_name: Fixture Admin
    roles: [user, admin]
    password: admin-pass
    dev_unlocked: true
  - email: member@example.test
    subject: fixture-member
    password: member-pass
`

func newRepo(t *testing.T) repository.UserRepository {
	t.Helper()
	db, sqlDB, err := database.OpenSQLite(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.MigrateSQLite(db); err != nil {
		t.Fatalf("MigrateSQLite: %v", err)
	}
	return repository.NewSQLiteUserRepo(db)
}

func TestLoad(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		f, err := fixtures.Load(strings.NewReader(sample))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(f.Users) != 2 {
			t.Fatalf("users = %d, want 2", len(f.Users))
		}
		if !slices.Equal(f.Users[0].Roles, []string{model.RoleUser, model.RoleAdmin}) {
			t.Errorf("Roles = %v", f.Users[0].Roles)
		}
		if !f.Users[0].DevUnlocked {
			t.Error("DevUnlocked should be read from the file")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		f, err := fixtures.Load(strings.NewReader(""))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(f.Users) != 0 {
			t.Errorf("users = %v, want none", f.Users)
		}
	})

	tests := map[string]string{
		"unknown key":      "users:\n  - email: a@example.test\n    subject: a\n    password: p\n    is_root: true\n",
		"missing password": "users:\n  - email: a@example.test\n    subject: a\n",
		"unknown role":     "users:\n  - email: a@example.test\n    subject: a\n    password: p\n    roles: [owner]\n",
		"duplicate":        "users:\n  - {email: a@example.test, subject: a, password: p}\n  - {email: b@example.test, subject: a, password: p}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := fixtures.Load(strings.NewReader(doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSeedAndAuthenticate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	f, err := fixtures.Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n, err := fixtures.Seed(ctx, repo, f, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 2 {
		t.Errorf("seeded = %d, want 2", n)
	}

	member, err := repo.FindBySubject(ctx, model.FixtureIssuer, "fixture-member")
	if err != nil {
		t.Fatalf("FindBySubject: %v", err)
	}
	if member == nil {
		t.Fatal("seeded member not found")
	}
	if !slices.Equal(member.Roles, []string{model.RoleUser}) {
		t.Errorf("Roles = %v, roles default to user", member.Roles)
	}
	if member.PasswordHash == "member-pass" {
		t.Error("password must be stored hashed")
	}

	authn, err := fixtures.NewAuthenticator(repo, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	t.Run("valid credentials", func(t *testing.T) {
		u, err := authn.Authenticate(ctx, " admin@example.test ", "admin-pass")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if u.Subject != "fixture-admin" || !u.HasRole(model.RoleAdmin) {
			t.Errorf("user = %+v", u)
		}
	})

	rejected := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "admin@example.test", "nope"},
		{"unknown email is indistinguishable", "ghost@example.test", "admin-pass"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := authn.Authenticate(ctx, tt.email, tt.password); !errors.Is(err, fixtures.ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAuthenticate_IgnoresIdPUsers(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	if _, err := repo.UpsertIdentity(ctx, &model.Identity{Issuer: "oidc", Subject: "real", Email: "real@example.test"}); err != nil {
		t.Fatalf("UpsertIdentity: %v", err)
	}

	authn, err := fixtures.NewAuthenticator(repo, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if _, err := authn.Authenticate(ctx, "real@example.test", ""); !errors.Is(err, fixtures.ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}
