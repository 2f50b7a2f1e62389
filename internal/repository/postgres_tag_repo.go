package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/libris/internal/model"
)

// PostgresTagRepo はPostgreSQLを使用したタグリポジトリ。
type PostgresTagRepo struct {
	db Querier
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db Querier) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// UpsertByName は名前でタグを取得し、無ければ作成する。
// ON CONFLICTで既存行を返すため、同時に同名タグが作成されても1行に収束する。
func (r *PostgresTagRepo) UpsertByName(ctx context.Context, name string) (*model.Tag, error) {
	tag := &model.Tag{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tags (id, name) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name`,
		uuid.New().String(), name,
	).Scan(&tag.ID, &tag.Name)
	if err != nil {
		return nil, fmt.Errorf("タグの登録に失敗しました: %w", err)
	}
	return tag, nil
}

// ReplaceForBook は蔵書のタグ紐付けをすべて削除してから作り直す。
func (r *PostgresTagRepo) ReplaceForBook(ctx context.Context, bookID string, tagIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM book_tags WHERE book_id = $1`, bookID); err != nil {
		return fmt.Errorf("タグ紐付けの削除に失敗しました: %w", err)
	}
	if len(tagIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO book_tags (book_id, tag_id)
		 SELECT $1, unnest($2::uuid[])
		 ON CONFLICT DO NOTHING`,
		bookID, pq.Array(tagIDs),
	)
	if err != nil {
		return fmt.Errorf("タグ紐付けの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByBookIDs は蔵書IDごとのタグを名前順で返す。
func (r *PostgresTagRepo) ListByBookIDs(ctx context.Context, bookIDs []string) (map[string][]model.Tag, error) {
	result := make(map[string][]model.Tag, len(bookIDs))
	if len(bookIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT bt.book_id, t.id, t.name
		 FROM book_tags bt
		 JOIN tags t ON t.id = bt.tag_id
		 WHERE bt.book_id = ANY($1::uuid[])
		 ORDER BY t.name ASC`,
		pq.Array(bookIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bookID string
		var tag model.Tag
		if err := rows.Scan(&bookID, &tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("タグのスキャンに失敗しました: %w", err)
		}
		result[bookID] = append(result[bookID], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ一覧の読み込みに失敗しました: %w", err)
	}
	return result, nil
}

// ListAll は全タグを名前順に返す。
func (r *PostgresTagRepo) ListAll(ctx context.Context) ([]model.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("タグのスキャンに失敗しました: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ一覧の読み込みに失敗しました: %w", err)
	}
	return tags, nil
}

// compile-time interface check
var _ TagRepository = (*PostgresTagRepo)(nil)
