// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"time"
)

// ロール名
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// FixtureIssuer はシード済みフィクスチャユーザーのIssuerタグ。
const FixtureIssuer = "fixture"

// User はサービス利用ユーザーを表す。
// (Issuer, Subject) の組で一意に識別される。
type User struct {
	ID           string
	Issuer       string
	Subject      string
	Email        string
	DisplayName  string
	Roles        []string
	DevUnlocked  bool
	PasswordHash string // フィクスチャユーザーのみ
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRole はロールを持つかを返す。
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Identity はIdPのアサーションから得たユーザー情報を表す。
// ユーザーのupsert入力として使う。
type Identity struct {
	Issuer      string
	Subject     string
	Email       string
	DisplayName string
	// InitialRoles は新規作成時にのみ付与するロール。既存ユーザーのロールは変更しない。
	InitialRoles []string
}
