// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーのロールを表す。ユーザーは常に1つのロールのみを持つ。
type Role string

const (
	// RoleAdmin は管理者ロール。ロール管理を含む全操作が可能。
	RoleAdmin Role = "ADMIN"
	// RoleLibrarian は司書ロール。蔵書と貸出の管理が可能。
	RoleLibrarian Role = "LIBRARIAN"
	// RoleMember は利用者ロール。閲覧と自分の貸出確認のみ可能。
	RoleMember Role = "MEMBER"
)

// Roles は定義済みの全ロールを返す。
func Roles() []Role {
	return []Role{RoleAdmin, RoleLibrarian, RoleMember}
}

// ParseRole は文字列をRoleに変換する。未定義の値はfalseを返す。
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles() {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Label は監査ログなどの表示用にユーザーを表す文字列を返す。
// 名前、メールアドレスの順に空でないものを使い、どちらも空ならfallbackを返す。
func (u *User) Label(fallback string) string {
	if u == nil {
		return fallback
	}
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return fallback
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Principal はリクエストを実行している認証済みユーザーを表す。
// ロールはリクエストごとにDBから解決される。
type Principal struct {
	UserID string
	Name   string
	Email  string
	Role   Role
}

// UserFilter は管理画面のユーザー一覧の絞り込み条件。
type UserFilter struct {
	Name  string
	Email string
	Role  Role
}
