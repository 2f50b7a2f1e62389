package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/libris/internal/model"
)

// PostgresAuditLogRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresAuditLogRepo struct {
	db Querier
}

// NewPostgresAuditLogRepo はPostgresAuditLogRepoを生成する。
func NewPostgresAuditLogRepo(db Querier) *PostgresAuditLogRepo {
	return &PostgresAuditLogRepo{db: db}
}

// Append は監査ログを1件追記する。
func (r *PostgresAuditLogRepo) Append(ctx context.Context, entry *model.AuditLogEntry) error {
	var actorID sql.NullString
	if entry.ActorID != nil {
		actorID = sql.NullString{String: *entry.ActorID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, action, entity, entity_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, actorID, entry.Action, entry.Entity, entry.EntityID, entry.Details, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("監査ログの追記に失敗しました: %w", err)
	}
	return nil
}

// List は条件に一致する監査ログを新しい順に返し、総件数も返す。
func (r *PostgresAuditLogRepo) List(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int, error) {
	where := ` WHERE 1 = 1`
	var args []any
	argIndex := 1

	if filter.Action != "" {
		where += fmt.Sprintf(" AND a.action = $%d", argIndex)
		args = append(args, filter.Action)
		argIndex++
	}
	if filter.User != "" {
		where += fmt.Sprintf(" AND (u.name ILIKE $%d OR u.email ILIKE $%d)", argIndex, argIndex)
		args = append(args, likePattern(filter.User))
		argIndex++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND a.created_at >= $%d", argIndex)
		args = append(args, *filter.From)
		argIndex++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND a.created_at <= $%d", argIndex)
		args = append(args, *filter.To)
		argIndex++
	}

	from := ` FROM audit_logs a LEFT JOIN users u ON u.id = a.user_id`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("監査ログ件数の取得に失敗しました: %w", err)
	}

	query := `SELECT a.id, a.user_id, a.action, a.entity, a.entity_id, a.details, a.created_at,
	                 COALESCE(u.name, ''), COALESCE(u.email, '')` + from + where +
		` ORDER BY a.created_at DESC, a.id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("監査ログ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &actorID, &e.Action, &e.Entity, &e.EntityID, &e.Details, &e.CreatedAt,
			&e.ActorName, &e.ActorEmail); err != nil {
			return nil, 0, fmt.Errorf("監査ログのスキャンに失敗しました: %w", err)
		}
		if actorID.Valid {
			id := actorID.String
			e.ActorID = &id
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("監査ログ一覧の読み込みに失敗しました: %w", err)
	}
	return entries, total, nil
}

// compile-time interface check
var _ AuditLogRepository = (*PostgresAuditLogRepo)(nil)
