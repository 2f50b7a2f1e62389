package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/libris/internal/model"
)

// PostgresBookRepo はPostgreSQLを使用した蔵書リポジトリ。
type PostgresBookRepo struct {
	db Querier
}

// NewPostgresBookRepo はPostgresBookRepoを生成する。
func NewPostgresBookRepo(db Querier) *PostgresBookRepo {
	return &PostgresBookRepo{db: db}
}

const bookColumns = `b.id, b.title, b.author, b.isbn, b.description, b.published_year,
	b.cover_image_url, b.status, b.deleted_at, b.created_at, b.updated_at`

func scanBook(row interface{ Scan(...any) error }, extra ...any) (*model.Book, error) {
	book := &model.Book{}
	var isbn, description, coverImageURL sql.NullString
	var publishedYear sql.NullInt64
	var deletedAt sql.NullTime

	dest := []any{
		&book.ID, &book.Title, &book.Author, &isbn, &description, &publishedYear,
		&coverImageURL, &book.Status, &deletedAt, &book.CreatedAt, &book.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	book.ISBN = nullStringValue(isbn)
	book.Description = nullStringValue(description)
	book.CoverImageURL = nullStringValue(coverImageURL)
	if publishedYear.Valid {
		book.PublishedYear = int(publishedYear.Int64)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		book.DeletedAt = &t
	}
	return book, nil
}

// FindByID は指定IDの蔵書を取得する。見つからない場合または論理削除済みの場合はnilを返す。
func (r *PostgresBookRepo) FindByID(ctx context.Context, id string) (*model.Book, error) {
	if !isUUID(id) {
		return nil, nil
	}
	book, err := scanBook(r.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books b WHERE b.id = $1 AND b.deleted_at IS NULL`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("蔵書の取得に失敗しました: %w", err)
	}
	return book, nil
}

// FindByIDForUpdate は指定IDの蔵書を行ロック付きで取得する。
// 同じ蔵書への貸出処理はこのロックで直列化される。
func (r *PostgresBookRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Book, error) {
	if !isUUID(id) {
		return nil, nil
	}
	book, err := scanBook(r.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books b WHERE b.id = $1 AND b.deleted_at IS NULL FOR UPDATE`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("蔵書のロック取得に失敗しました: %w", err)
	}
	return book, nil
}

// Create は蔵書を作成する。タグの紐付けは含まない。
func (r *PostgresBookRepo) Create(ctx context.Context, book *model.Book) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO books (id, title, author, isbn, description, published_year,
		                    cover_image_url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		book.ID, book.Title, book.Author, nullString(book.ISBN), nullString(book.Description),
		nullInt(book.PublishedYear), nullString(book.CoverImageURL), book.Status,
		book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("蔵書の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は書誌情報を更新する。状態と削除日時は変更しない。
func (r *PostgresBookRepo) Update(ctx context.Context, book *model.Book) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE books SET
		    title = $2, author = $3, isbn = $4, description = $5,
		    published_year = $6, cover_image_url = $7, updated_at = $8
		 WHERE id = $1 AND deleted_at IS NULL`,
		book.ID, book.Title, book.Author, nullString(book.ISBN), nullString(book.Description),
		nullInt(book.PublishedYear), nullString(book.CoverImageURL), book.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("蔵書の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateDescription は紹介文のみを更新する。
func (r *PostgresBookRepo) UpdateDescription(ctx context.Context, id, description string, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE books SET description = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		id, nullString(description), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("紹介文の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は貸出状態を更新する。
func (r *PostgresBookRepo) UpdateStatus(ctx context.Context, id string, status model.BookStatus, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE books SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("貸出状態の更新に失敗しました: %w", err)
	}
	return nil
}

// SoftDelete は論理削除する。
func (r *PostgresBookRepo) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE books SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, deletedAt,
	)
	if err != nil {
		return fmt.Errorf("蔵書の削除に失敗しました: %w", err)
	}
	return nil
}

// List は条件に一致する蔵書と総件数を返す。タグは含まない。
func (r *PostgresBookRepo) List(ctx context.Context, filter model.BookFilter) ([]*model.Book, int, error) {
	query := `SELECT ` + bookColumns + `, COUNT(*) OVER() AS total
		FROM books b
		WHERE b.deleted_at IS NULL`
	var args []any
	argIndex := 1

	// 自由語: タイトル・著者の部分一致、ISBNの完全一致、タグ名の部分一致
	if filter.Query != "" {
		query += fmt.Sprintf(` AND (b.title ILIKE $%d OR b.author ILIKE $%d OR b.isbn = $%d
			OR EXISTS (SELECT 1 FROM book_tags bt JOIN tags t ON t.id = bt.tag_id
			           WHERE bt.book_id = b.id AND t.name ILIKE $%d))`,
			argIndex, argIndex, argIndex+1, argIndex)
		args = append(args, likePattern(filter.Query), filter.Query)
		argIndex += 2
	}
	if filter.Author != "" {
		query += fmt.Sprintf(" AND b.author ILIKE $%d", argIndex)
		args = append(args, likePattern(filter.Author))
		argIndex++
	}
	if filter.ISBN != "" {
		query += fmt.Sprintf(" AND b.isbn = $%d", argIndex)
		args = append(args, filter.ISBN)
		argIndex++
	}
	if filter.Tag != "" {
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM book_tags bt JOIN tags t ON t.id = bt.tag_id
			WHERE bt.book_id = b.id AND t.name = $%d)`, argIndex)
		args = append(args, filter.Tag)
		argIndex++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND b.status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}

	switch filter.Sort {
	case model.BookSortTitle:
		query += " ORDER BY b.title ASC, b.id ASC"
	default:
		query += " ORDER BY b.created_at DESC, b.id ASC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("蔵書一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var books []*model.Book
	total := 0
	for rows.Next() {
		book, err := scanBook(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("蔵書のスキャンに失敗しました: %w", err)
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("蔵書一覧の読み込みに失敗しました: %w", err)
	}

	// OFFSETが総件数を超えた場合は行が返らないため、件数を別途取得する
	if len(books) == 0 && filter.Offset > 0 {
		total, err = r.countMatching(ctx, filter)
		if err != nil {
			return nil, 0, err
		}
	}

	return books, total, nil
}

// countMatching はページングを無視した一致件数を返す。
func (r *PostgresBookRepo) countMatching(ctx context.Context, filter model.BookFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	books, _, err := r.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(books), nil
}

// ExistsByTitleAndAuthor は同じタイトルと著者の蔵書が存在するかを返す。
func (r *PostgresBookRepo) ExistsByTitleAndAuthor(ctx context.Context, title, author string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM books
		                WHERE lower(title) = lower($1) AND lower(author) = lower($2)
		                  AND deleted_at IS NULL)`,
		title, author,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("蔵書の重複確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountActive は論理削除されていない蔵書の件数を返す。
func (r *PostgresBookRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("蔵書件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ BookRepository = (*PostgresBookRepo)(nil)
