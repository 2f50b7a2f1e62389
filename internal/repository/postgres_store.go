package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PostgresStore はPostgreSQLを使用したStore実装。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Repos はトランザクション外で使うリポジトリを返す。
func (s *PostgresStore) Repos() Repositories {
	return newRepositories(s.db)
}

// WithinTx はfnを1つのトランザクション内で実行する。
// 分離レベルはREAD COMMITTEDで、競合する更新は行ロック（SELECT ... FOR UPDATE）で直列化する。
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, newRepositories(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newRepositories(q Querier) Repositories {
	return Repositories{
		Users:      NewPostgresUserRepo(q),
		Identities: NewPostgresIdentityRepo(q),
		Sessions:   NewPostgresSessionRepo(q),
		Books:      NewPostgresBookRepo(q),
		Tags:       NewPostgresTagRepo(q),
		Loans:      NewPostgresLoanRepo(q),
		Audit:      NewPostgresAuditLogRepo(q),
	}
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringを文字列に変換する。NULLの場合は空文字列。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullInt は0をNULLとして扱う。
func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// isUUID はIDがUUID型の列と比較できる正規形式かどうかを返す。
// 形式が不正なIDは該当なしとして扱い、PostgreSQLの型エラーにしない。
func isUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// likePattern はILIKE用に特殊文字をエスケープした部分一致パターンを返す。
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
