package access_test

import (
	"fmt"
	"testing"

	"github.com/hitoshi/authgate/internal/access"
	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/model"
)

func userWith(admin, devUnlocked bool) *model.User {
	roles := []string{model.RoleUser}
	if admin {
		roles = append(roles, model.RoleAdmin)
	}
	return &model.User{Subject: "sub-1", Email: "a@example.org", Roles: roles, DevUnlocked: devUnlocked}
}

func TestNewEnv_ProductionForcesDevRoutesOff(t *testing.T) {
	tests := []struct {
		environment cookiepolicy.Environment
		requested   bool
		want        bool
	}{
		{cookiepolicy.EnvProduction, true, false},
		{cookiepolicy.EnvStaging, true, true},
		{cookiepolicy.EnvLocal, true, true},
		{cookiepolicy.EnvLocal, false, false},
	}
	for _, tt := range tests {
		if got := access.NewEnv(tt.environment, tt.requested).DevRoutesEnabled(); got != tt.want {
			t.Errorf("NewEnv(%s, %v).DevRoutesEnabled() = %v, want %v", tt.environment, tt.requested, got, tt.want)
		}
	}
}

func TestAuthorize_DevGateFailsClosedWhenDisabled(t *testing.T) {
	for _, environment := range []cookiepolicy.Environment{cookiepolicy.EnvProduction, cookiepolicy.EnvLocal} {
		env := access.NewEnv(environment, false)
		for _, admin := range []bool{true, false} {
			for _, unlocked := range []bool{true, false} {
				name := fmt.Sprintf("%s/admin=%v/unlocked=%v", environment, admin, unlocked)
				t.Run(name, func(t *testing.T) {
					eff := access.DeriveEffectivePermissions(userWith(admin, unlocked), env)
					if d := access.Authorize(eff, access.ActionInspectSession, true); d.Allowed {
						t.Error("dev action must be denied while dev routes are disabled")
					}
				})
			}
		}
	}

	t.Run("production ignores a requested flag", func(t *testing.T) {
		env := access.NewEnv(cookiepolicy.EnvProduction, true)
		eff := access.DeriveEffectivePermissions(userWith(true, true), env)
		d := access.Authorize(eff, access.ActionInspectSession, true)
		if d.Allowed || d.Reason != access.ReasonDevRoutesDisabled {
			t.Errorf("decision = %+v, want denied with %q", d, access.ReasonDevRoutesDisabled)
		}
	})
}

func TestAuthorize_Layering(t *testing.T) {
	tests := []struct {
		admin, devEnabled, unlocked bool
		wantAllowed                 bool
		wantReason                  string
	}{
		{true, true, true, true, ""},
		{false, true, true, false, access.ReasonNotAdmin},
		{true, false, true, false, access.ReasonDevRoutesDisabled},
		{true, true, false, false, access.ReasonDevUnlockRequired},
		// 複数層が失敗する場合は最も権限の低い層の理由を返す
		{false, false, false, false, access.ReasonNotAdmin},
		{true, false, false, false, access.ReasonDevRoutesDisabled},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("admin=%v/dev=%v/unlocked=%v", tt.admin, tt.devEnabled, tt.unlocked)
		t.Run(name, func(t *testing.T) {
			env := access.NewEnv(cookiepolicy.EnvDevelopment, tt.devEnabled)
			eff := access.DeriveEffectivePermissions(userWith(tt.admin, tt.unlocked), env)
			d := access.Authorize(eff, access.ActionInspectSession, true)
			if d.Allowed != tt.wantAllowed || d.Reason != tt.wantReason {
				t.Errorf("decision = %+v, want allowed=%v reason=%q", d, tt.wantAllowed, tt.wantReason)
			}
		})
	}
}

func TestAuthorize_NonDevActions(t *testing.T) {
	env := access.NewEnv(cookiepolicy.EnvProduction, false)

	admin := access.DeriveEffectivePermissions(userWith(true, false), env)
	if !access.Authorize(admin, access.ActionReloadKeys, false).Allowed {
		t.Error("admin should be allowed to reload keys")
	}

	plain := access.DeriveEffectivePermissions(userWith(false, false), env)
	if d := access.Authorize(plain, access.ActionManageRoles, false); d.Allowed || d.Reason != access.ReasonNotAdmin {
		t.Errorf("decision = %+v, want denied with %q", d, access.ReasonNotAdmin)
	}

	if access.Authorize(admin, access.Action("drop_tables"), false).Allowed {
		t.Error("unregistered actions fail closed")
	}
}

func TestAuthorizeUnlock_SkipsUnlockLayer(t *testing.T) {
	enabled := access.NewEnv(cookiepolicy.EnvLocal, true)
	disabled := access.NewEnv(cookiepolicy.EnvLocal, false)

	locked := access.DeriveEffectivePermissions(userWith(true, false), enabled)
	if !access.AuthorizeUnlock(locked).Allowed {
		t.Error("locked admin should be able to unlock")
	}

	nonAdmin := access.DeriveEffectivePermissions(userWith(false, false), enabled)
	if reason := access.AuthorizeUnlock(nonAdmin).Reason; reason != access.ReasonNotAdmin {
		t.Errorf("reason = %q, want %q", reason, access.ReasonNotAdmin)
	}

	off := access.DeriveEffectivePermissions(userWith(true, true), disabled)
	if reason := access.AuthorizeUnlock(off).Reason; reason != access.ReasonDevRoutesDisabled {
		t.Errorf("reason = %q, want %q", reason, access.ReasonDevRoutesDisabled)
	}
}

func TestDeriveEffectivePermissions_DoesNotMutateUser(t *testing.T) {
	user := userWith(true, false)
	env := access.NewEnv(cookiepolicy.EnvLocal, true)

	eff := access.DeriveEffectivePermissions(user, env)
	eff.Roles[0] = "changed"

	if user.Roles[0] != model.RoleUser {
		t.Errorf("user roles mutated: %v", user.Roles)
	}
	if !eff.DevRoutesEnabled || eff.Environment != cookiepolicy.EnvLocal {
		t.Errorf("effective = %+v", eff)
	}
}
