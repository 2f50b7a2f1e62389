// Package rbac はロールと操作権限の対応表、および認可判定を提供する。
// 権限はロールごとの表で一元管理し、ロール間の継承は持たない。
package rbac

import (
	"github.com/hitoshi/libris/internal/model"
)

// Capability は認可判定の単位となる操作権限。
type Capability string

const (
	// BrowseCatalog は蔵書の閲覧・検索。
	BrowseCatalog Capability = "browse_catalog"
	// ViewOwnLoans は自分の貸出の閲覧。
	ViewOwnLoans Capability = "view_own_loans"
	// ManageBooks は蔵書の登録・更新・削除。
	ManageBooks Capability = "manage_books"
	// ManageLoans は貸出・返却の処理。
	ManageLoans Capability = "manage_loans"
	// ManageUsers はユーザーのロール変更。
	ManageUsers Capability = "manage_users"
	// ViewAuditLog は監査ログの閲覧。
	ViewAuditLog Capability = "view_audit_log"
	// UseSuggestions は外部の文章提案サービスの利用。
	UseSuggestions Capability = "use_suggestions"
)

// Capabilities は定義済みの全権限を返す。
func Capabilities() []Capability {
	return []Capability{
		BrowseCatalog,
		ViewOwnLoans,
		ManageBooks,
		ManageLoans,
		ManageUsers,
		ViewAuditLog,
		UseSuggestions,
	}
}

// grants はロールごとに許可される権限の表。
// ここに無い組み合わせはすべて拒否される。
var grants = map[model.Role][]Capability{
	model.RoleAdmin: {
		BrowseCatalog,
		ViewOwnLoans,
		ManageBooks,
		ManageLoans,
		ManageUsers,
		ViewAuditLog,
		UseSuggestions,
	},
	model.RoleLibrarian: {
		BrowseCatalog,
		ViewOwnLoans,
		ManageBooks,
		ManageLoans,
		ViewAuditLog,
		UseSuggestions,
	},
	model.RoleMember: {
		BrowseCatalog,
		ViewOwnLoans,
	},
}

// Allowed は指定ロールが権限を持つかどうかを返す。
func Allowed(role model.Role, c Capability) bool {
	for _, g := range grants[role] {
		if g == c {
			return true
		}
	}
	return false
}

// AllowedRoles は指定権限を持つロールを定義順に返す。
func AllowedRoles(c Capability) []model.Role {
	var roles []model.Role
	for _, r := range model.Roles() {
		if Allowed(r, c) {
			roles = append(roles, r)
		}
	}
	return roles
}

// CanManageBooks は蔵書を管理できるロールかどうかを返す。
func CanManageBooks(role model.Role) bool {
	return Allowed(role, ManageBooks)
}

// CanManageLoans は貸出を管理できるロールかどうかを返す。
func CanManageLoans(role model.Role) bool {
	return Allowed(role, ManageLoans)
}

// CanManageUsers はユーザーを管理できるロールかどうかを返す。
func CanManageUsers(role model.Role) bool {
	return Allowed(role, ManageUsers)
}

// Authorize は実行者が権限を持つか判定し、許可された場合は実行者をそのまま返す。
// 実行者が未解決（nil）の場合は未認証エラー、権限が無い場合は権限不足エラーを返す。
func Authorize(actor *model.Principal, c Capability) (*model.Principal, error) {
	if actor == nil || actor.UserID == "" {
		return nil, model.NewUnauthenticatedError()
	}
	if !Allowed(actor.Role, c) {
		return nil, model.NewForbiddenError(actor.Role)
	}
	return actor, nil
}

// RequireRole は実行者のロールが指定集合に含まれるか判定する。
// ロール間の上下関係は考慮しない。
func RequireRole(actor *model.Principal, roles ...model.Role) (*model.Principal, error) {
	if actor == nil || actor.UserID == "" {
		return nil, model.NewUnauthenticatedError()
	}
	for _, r := range roles {
		if actor.Role == r {
			return actor, nil
		}
	}
	return nil, model.NewForbiddenError(actor.Role)
}

// AuthorizeAny は指定権限のいずれかを持つ場合に許可する。
func AuthorizeAny(actor *model.Principal, caps ...Capability) (*model.Principal, error) {
	if actor == nil || actor.UserID == "" {
		return nil, model.NewUnauthenticatedError()
	}
	for _, c := range caps {
		if Allowed(actor.Role, c) {
			return actor, nil
		}
	}
	return nil, model.NewForbiddenError(actor.Role)
}

// DenialRecorder は権限不足による拒否を記録する。metrics.MetricsCollectorが満たす。
type DenialRecorder interface {
	RecordAuthzDenied(capability string)
}

// Gate はサービス層が各操作の先頭で使う認可判定。拒否をメトリクスに記録する。
type Gate struct {
	denials DenialRecorder
}

// NewGate はGateを生成する。denialsがnilの場合は記録しない。
func NewGate(denials DenialRecorder) *Gate {
	return &Gate{denials: denials}
}

// Authorize はパッケージ関数Authorizeと同じ判定を行い、権限不足を記録する。
func (g *Gate) Authorize(actor *model.Principal, c Capability) (*model.Principal, error) {
	p, err := Authorize(actor, c)
	if err != nil && g != nil && g.denials != nil && model.HasCode(err, model.ErrCodeForbidden) {
		g.denials.RecordAuthzDenied(string(c))
	}
	return p, err
}

// AuthorizeAny はパッケージ関数AuthorizeAnyと同じ判定を行い、権限不足を記録する。
func (g *Gate) AuthorizeAny(actor *model.Principal, caps ...Capability) (*model.Principal, error) {
	p, err := AuthorizeAny(actor, caps...)
	if err != nil && g != nil && g.denials != nil && model.HasCode(err, model.ErrCodeForbidden) && len(caps) > 0 {
		g.denials.RecordAuthzDenied(string(caps[0]))
	}
	return p, err
}
