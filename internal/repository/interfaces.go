// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/libris/internal/model"
)

// Querier は*sql.DBと*sql.Txの共通部分。
// リポジトリはこれを通してクエリを発行するため、トランザクション内外で同じ実装を使える。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository はユーザーデータの永続化インターフェース。
// ユーザーは物理削除しない。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByIDForUpdate は指定IDのユーザーを行ロック付きで取得する。見つからない場合はnilを返す。
	FindByIDForUpdate(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを作成する。
	// ユーザーが1人も存在しない場合、作成されるユーザーのロールはADMINになる。
	// 判定と作成はアドバイザリロックで直列化される。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// Create はidentityを持たないユーザーを作成する（初期データ投入用）。
	// ロールの扱いはCreateWithIdentityと同じ。
	Create(ctx context.Context, user *model.User) error

	// UpdateProfile は名前とメールアドレスを更新する。
	UpdateProfile(ctx context.Context, id, name, email string) error

	// UpdateRole はロールを更新する。
	UpdateRole(ctx context.Context, id string, role model.Role) error

	// List は条件に一致するユーザーを名前、メールアドレス順に返す。
	List(ctx context.Context, filter model.UserFilter) ([]*model.User, error)
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は指定時刻より前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BookRepository は蔵書データの永続化インターフェース。
// 論理削除済みの蔵書は、明記のない限りすべての取得系から除外される。
type BookRepository interface {
	// FindByID は指定IDの蔵書を取得する。見つからない場合または論理削除済みの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Book, error)

	// FindByIDForUpdate は指定IDの蔵書を行ロック付きで取得する。
	// 論理削除済みの場合はnilを返す。トランザクション内でのみ意味を持つ。
	FindByIDForUpdate(ctx context.Context, id string) (*model.Book, error)

	// Create は蔵書を作成する。タグの紐付けは含まない。
	Create(ctx context.Context, book *model.Book) error

	// Update は書誌情報を更新する。状態と削除日時は変更しない。
	Update(ctx context.Context, book *model.Book) error

	// UpdateDescription は紹介文のみを更新する。
	UpdateDescription(ctx context.Context, id, description string, updatedAt time.Time) error

	// UpdateStatus は貸出状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.BookStatus, updatedAt time.Time) error

	// SoftDelete は論理削除する。
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error

	// List は条件に一致する蔵書と総件数を返す。タグは含まない。
	List(ctx context.Context, filter model.BookFilter) ([]*model.Book, int, error)

	// ExistsByTitleAndAuthor は同じタイトルと著者の蔵書が存在するかを返す。
	ExistsByTitleAndAuthor(ctx context.Context, title, author string) (bool, error)

	// CountActive は論理削除されていない蔵書の件数を返す。
	CountActive(ctx context.Context) (int, error)
}

// TagRepository はタグと蔵書の紐付けの永続化インターフェース。
type TagRepository interface {
	// UpsertByName は名前でタグを取得し、無ければ作成する。同名のタグは重複しない。
	UpsertByName(ctx context.Context, name string) (*model.Tag, error)

	// ReplaceForBook は蔵書のタグ紐付けをすべて置き換える。
	ReplaceForBook(ctx context.Context, bookID string, tagIDs []string) error

	// ListByBookIDs は蔵書IDごとのタグを返す。
	ListByBookIDs(ctx context.Context, bookIDs []string) (map[string][]model.Tag, error)

	// ListAll は全タグを名前順に返す。
	ListAll(ctx context.Context) ([]model.Tag, error)
}

// LoanRepository は貸出データの永続化インターフェース。
type LoanRepository interface {
	// FindByID は指定IDの貸出を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Loan, error)

	// FindByIDForUpdate は指定IDの貸出を行ロック付きで取得する。見つからない場合はnilを返す。
	FindByIDForUpdate(ctx context.Context, id string) (*model.Loan, error)

	// FindActiveByBookID は蔵書の未返却の貸出を取得する。無い場合はnilを返す。
	FindActiveByBookID(ctx context.Context, bookID string) (*model.Loan, error)

	// Create は貸出を作成する。
	// 同じ蔵書に未返却の貸出が既に存在する場合はALREADY_BORROWEDのAPIErrorを返す。
	Create(ctx context.Context, loan *model.Loan) error

	// MarkReturned は未返却の貸出に返却日時を設定する。
	// 既に返却済みの場合は更新せずfalseを返す。
	MarkReturned(ctx context.Context, id string, returnedAt time.Time) (bool, error)

	// ListActive は未返却の貸出を返却期限の昇順で返す。
	// borrowerが空でない場合、借り手の名前またはメールアドレスの部分一致で絞り込む。
	ListActive(ctx context.Context, borrower string, limit, offset int) ([]model.LoanWithDetails, int, error)

	// ListByBorrower は借り手の未返却の貸出を返却期限の昇順で返す。
	ListByBorrower(ctx context.Context, userID string) ([]model.LoanWithDetails, error)

	// CountActive は未返却の貸出件数を返す。
	CountActive(ctx context.Context) (int, error)

	// CountOverdue は指定時刻時点で延滞している貸出件数を返す。
	CountOverdue(ctx context.Context, now time.Time) (int, error)
}

// AuditLogRepository は監査ログの永続化インターフェース。
// 追記専用であり、更新・削除の手段は提供しない。
type AuditLogRepository interface {
	// Append は監査ログを1件追記する。
	Append(ctx context.Context, entry *model.AuditLogEntry) error

	// List は条件に一致する監査ログを新しい順に返し、総件数も返す。
	List(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int, error)
}

// Repositories は同一のQuerierに束ねられたリポジトリの集合。
type Repositories struct {
	Users      UserRepository
	Identities IdentityRepository
	Sessions   SessionRepository
	Books      BookRepository
	Tags       TagRepository
	Loans      LoanRepository
	Audit      AuditLogRepository
}

// Store はリポジトリとトランザクション境界を提供する。
type Store interface {
	// Repos はトランザクション外で使うリポジトリを返す。
	Repos() Repositories

	// WithinTx はfnを1つのトランザクション内で実行する。
	// fnがエラーを返した場合はロールバックし、そのエラーをそのまま返す。
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
