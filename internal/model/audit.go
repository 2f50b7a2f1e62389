package model

import "time"

// AuditAction は監査ログに記録する操作種別。閉じた列挙であり、DB側でもCHECK制約を持つ。
type AuditAction string

const (
	AuditBookCreated  AuditAction = "BOOK_CREATED"
	AuditBookUpdated  AuditAction = "BOOK_UPDATED"
	AuditBookDeleted  AuditAction = "BOOK_DELETED"
	AuditLoanCheckout AuditAction = "LOAN_CHECKOUT"
	AuditLoanReturn   AuditAction = "LOAN_RETURN"
	AuditRoleChanged  AuditAction = "ROLE_CHANGED"
	AuditUserUpdated  AuditAction = "USER_UPDATED"
)

// AuditActions は定義済みの全操作種別を返す。
func AuditActions() []AuditAction {
	return []AuditAction{
		AuditBookCreated,
		AuditBookUpdated,
		AuditBookDeleted,
		AuditLoanCheckout,
		AuditLoanReturn,
		AuditRoleChanged,
		AuditUserUpdated,
	}
}

// Valid は定義済みの操作種別かどうかを返す。
func (a AuditAction) Valid() bool {
	for _, v := range AuditActions() {
		if v == a {
			return true
		}
	}
	return false
}

// 監査対象のエンティティ種別
const (
	EntityBook = "Book"
	EntityLoan = "Loan"
	EntityUser = "User"
)

// AuditLogEntry は追記専用の監査ログ1件を表す。
// ActorIDがnilの場合はシステムによる操作。
type AuditLogEntry struct {
	ID        string
	ActorID   *string
	Action    AuditAction
	Entity    string
	EntityID  string
	Details   string
	CreatedAt time.Time

	// 一覧表示用に結合される実行者情報
	ActorName  string
	ActorEmail string
}

// AuditFilter は監査ログ一覧の検索条件。
type AuditFilter struct {
	Action AuditAction
	User   string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
