// Package access は管理者・開発者向けルートの多層認可を提供する。
// 環境設定は起動時に1回構築したEnvを注入し、リクエスト時に環境変数を参照しない。
package access

import (
	"slices"

	"github.com/hitoshi/authgate/internal/cookiepolicy"
	"github.com/hitoshi/authgate/internal/model"
)

// 拒否理由コード。評価順に並ぶ。
const (
	ReasonNotAdmin          = "not_admin"
	ReasonDevRoutesDisabled = "dev_routes_disabled"
	ReasonDevUnlockRequired = "dev_unlock_required"
)

// Action はゲートで保護される操作。
type Action string

// 保護対象の操作
const (
	ActionReloadKeys     Action = "reload_keys"
	ActionManageRoles    Action = "manage_roles"
	ActionUnlockDev      Action = "unlock_dev"
	ActionInspectSession Action = "inspect_session"
)

// requiredRoles は操作ごとに必要なロール。未登録の操作は常に拒否する。
var requiredRoles = map[Action]string{
	ActionReloadKeys:     model.RoleAdmin,
	ActionManageRoles:    model.RoleAdmin,
	ActionUnlockDev:      model.RoleAdmin,
	ActionInspectSession: model.RoleAdmin,
}

// Env はゲートが参照するイミュータブルな環境設定。
type Env struct {
	environment      cookiepolicy.Environment
	devRoutesEnabled bool
}

// NewEnv はEnvを構築する。productionでは開発ルートの要求を常に無視する。
func NewEnv(environment cookiepolicy.Environment, devRoutesRequested bool) Env {
	return Env{
		environment:      environment,
		devRoutesEnabled: devRoutesRequested && environment != cookiepolicy.EnvProduction,
	}
}

// Environment はデプロイ環境を返す。
func (e Env) Environment() cookiepolicy.Environment {
	return e.environment
}

// DevRoutesEnabled は開発ルートが有効かを返す。
func (e Env) DevRoutesEnabled() bool {
	return e.devRoutesEnabled
}

// EffectiveUser はリクエストごとに1回算出される実効権限。
// ユーザーレコードを書き換えずに、環境設定と合成した結果を保持する。
type EffectiveUser struct {
	Subject          string
	Email            string
	Roles            []string
	DevUnlocked      bool
	Environment      cookiepolicy.Environment
	DevRoutesEnabled bool
}

// DeriveEffectivePermissions はユーザーと環境設定から実効権限を算出する。純粋関数。
func DeriveEffectivePermissions(user *model.User, env Env) EffectiveUser {
	return EffectiveUser{
		Subject:          user.Subject,
		Email:            user.Email,
		Roles:            slices.Clone(user.Roles),
		DevUnlocked:      user.DevUnlocked,
		Environment:      env.environment,
		DevRoutesEnabled: env.devRoutesEnabled,
	}
}

// IsAdmin は管理者ロールを持つかを返す。
func (u EffectiveUser) IsAdmin() bool {
	return slices.Contains(u.Roles, model.RoleAdmin)
}

// Decision は認可結果。
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Authorize は操作を許可するかを判定する。
// 層は 管理者ロール → 開発ルート有効 → dev解除 の順で評価し、最初に失敗した理由を返す。
func Authorize(user EffectiveUser, action Action, devOnly bool) Decision {
	role, ok := requiredRoles[action]
	if !ok || !slices.Contains(user.Roles, role) {
		return deny(ReasonNotAdmin)
	}
	if !devOnly {
		return allow()
	}
	if !user.DevRoutesEnabled {
		return deny(ReasonDevRoutesDisabled)
	}
	if !user.DevUnlocked {
		return deny(ReasonDevUnlockRequired)
	}
	return allow()
}

// AuthorizeUnlock はdev解除操作自体を判定する。
// 解除前のユーザーが通れるよう、第3層を除いた2層のみを評価する。
func AuthorizeUnlock(user EffectiveUser) Decision {
	if d := Authorize(user, ActionUnlockDev, false); !d.Allowed {
		return d
	}
	if !user.DevRoutesEnabled {
		return deny(ReasonDevRoutesDisabled)
	}
	return allow()
}
