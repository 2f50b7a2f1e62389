package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/libris/internal/model"
)

// bootstrapLockKey は初回ユーザー作成を直列化するアドバイザリロックのキー。
const bootstrapLockKey = 7_031_001

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db Querier
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db Querier) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, email, name, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	user := &model.User{}
	var name sql.NullString
	if err := row.Scan(&user.ID, &user.Email, &name, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Name = nullStringValue(name)
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if !isUUID(id) {
		return nil, nil
	}
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByIDForUpdate は指定IDのユーザーを行ロック付きで取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.User, error) {
	if !isUUID(id) {
		return nil, nil
	}
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// CreateWithIdentity はユーザーとidentityを作成する。
// 呼び出し側のトランザクション内で実行されることを前提とする。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if err := r.Create(ctx, user); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// Create はユーザーを作成する。ユーザーが1人もいなければロールをADMINにする。
// 件数確認と挿入の間はトランザクションスコープのアドバイザリロックで直列化するため、
// 同時に最初のサインインが発生しても管理者はちょうど1人になる。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		return fmt.Errorf("failed to acquire bootstrap lock: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users)`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if !exists {
		user.Role = model.RoleAdmin
	} else if user.Role == "" {
		user.Role = model.RoleMember
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, nullString(user.Name), user.Role, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateProfile は名前とメールアドレスを更新する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id, name, email string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET name = $2, email = $3, updated_at = $4 WHERE id = $1`,
		id, nullString(name), email, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return nil
}

// UpdateRole はロールを更新する。
func (r *PostgresUserRepo) UpdateRole(ctx context.Context, id string, role model.Role) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`,
		id, role, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// List は条件に一致するユーザーを名前、メールアドレス順に返す。
func (r *PostgresUserRepo) List(ctx context.Context, filter model.UserFilter) ([]*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1 = 1`
	var args []any
	argIndex := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name ILIKE $%d", argIndex)
		args = append(args, likePattern(filter.Name))
		argIndex++
	}
	if filter.Email != "" {
		query += fmt.Sprintf(" AND email ILIKE $%d", argIndex)
		args = append(args, likePattern(filter.Email))
		argIndex++
	}
	if filter.Role != "" {
		query += fmt.Sprintf(" AND role = $%d", argIndex)
		args = append(args, filter.Role)
	}
	query += " ORDER BY name ASC NULLS LAST, email ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
