package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/libris/internal/model"
)

// activeLoanIndex は蔵書ごとの未返却貸出を1件に制限する部分一意インデックス名。
const activeLoanIndex = "loans_one_active_per_book"

// PostgresLoanRepo はPostgreSQLを使用した貸出リポジトリ。
type PostgresLoanRepo struct {
	db Querier
}

// NewPostgresLoanRepo はPostgresLoanRepoを生成する。
func NewPostgresLoanRepo(db Querier) *PostgresLoanRepo {
	return &PostgresLoanRepo{db: db}
}

const loanColumns = `l.id, l.book_id, l.user_id, l.borrowed_at, l.due_at, l.returned_at`

func scanLoan(row interface{ Scan(...any) error }, extra ...any) (*model.Loan, error) {
	loan := &model.Loan{}
	var returnedAt sql.NullTime
	dest := []any{&loan.ID, &loan.BookID, &loan.UserID, &loan.BorrowedAt, &loan.DueAt, &returnedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if returnedAt.Valid {
		t := returnedAt.Time
		loan.ReturnedAt = &t
	}
	return loan, nil
}

// FindByID は指定IDの貸出を取得する。見つからない場合はnilを返す。
func (r *PostgresLoanRepo) FindByID(ctx context.Context, id string) (*model.Loan, error) {
	if !isUUID(id) {
		return nil, nil
	}
	loan, err := scanLoan(r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans l WHERE l.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("貸出の取得に失敗しました: %w", err)
	}
	return loan, nil
}

// FindByIDForUpdate は指定IDの貸出を行ロック付きで取得する。見つからない場合はnilを返す。
func (r *PostgresLoanRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Loan, error) {
	if !isUUID(id) {
		return nil, nil
	}
	loan, err := scanLoan(r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans l WHERE l.id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("貸出のロック取得に失敗しました: %w", err)
	}
	return loan, nil
}

// FindActiveByBookID は蔵書の未返却の貸出を取得する。無い場合はnilを返す。
func (r *PostgresLoanRepo) FindActiveByBookID(ctx context.Context, bookID string) (*model.Loan, error) {
	if !isUUID(bookID) {
		return nil, nil
	}
	loan, err := scanLoan(r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans l WHERE l.book_id = $1 AND l.returned_at IS NULL`, bookID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("未返却の貸出の取得に失敗しました: %w", err)
	}
	return loan, nil
}

// Create は貸出を作成する。
// 部分一意インデックスに違反した場合はALREADY_BORROWEDのAPIErrorを返す。
func (r *PostgresLoanRepo) Create(ctx context.Context, loan *model.Loan) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO loans (id, book_id, user_id, borrowed_at, due_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		loan.ID, loan.BookID, loan.UserID, loan.BorrowedAt, loan.DueAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeLoanIndex {
			return model.NewAlreadyBorrowedError()
		}
		return fmt.Errorf("貸出の作成に失敗しました: %w", err)
	}
	return nil
}

// MarkReturned は未返却の貸出に返却日時を設定する。
// 既に返却済みの場合は更新せずfalseを返す。
func (r *PostgresLoanRepo) MarkReturned(ctx context.Context, id string, returnedAt time.Time) (bool, error) {
	if !isUUID(id) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE loans SET returned_at = $2 WHERE id = $1 AND returned_at IS NULL`,
		id, returnedAt,
	)
	if err != nil {
		return false, fmt.Errorf("返却の記録に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

const loanDetailsQuery = `SELECT ` + loanColumns + `,
	       b.title, b.author, COALESCE(u.name, ''), u.email
	FROM loans l
	JOIN books b ON b.id = l.book_id
	JOIN users u ON u.id = l.user_id`

func scanLoanDetails(row interface{ Scan(...any) error }, extra ...any) (model.LoanWithDetails, error) {
	var d model.LoanWithDetails
	loan, err := scanLoan(row, append([]any{&d.BookTitle, &d.BookAuthor, &d.BorrowerName, &d.BorrowerEmail}, extra...)...)
	if err != nil {
		return d, err
	}
	d.Loan = *loan
	return d, nil
}

// ListActive は未返却の貸出を返却期限の昇順で返す。
func (r *PostgresLoanRepo) ListActive(ctx context.Context, borrower string, limit, offset int) ([]model.LoanWithDetails, int, error) {
	query := `SELECT * FROM (` + loanDetailsQuery + ` WHERE l.returned_at IS NULL`
	var args []any
	argIndex := 1
	if borrower != "" {
		query += fmt.Sprintf(" AND (u.name ILIKE $%d OR u.email ILIKE $%d)", argIndex, argIndex)
		args = append(args, likePattern(borrower))
		argIndex++
	}
	query += `) q`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+query+`) c`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("貸出件数の取得に失敗しました: %w", err)
	}

	query += " ORDER BY q.due_at ASC, q.id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("貸出一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var loans []model.LoanWithDetails
	for rows.Next() {
		d, err := scanLoanDetails(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("貸出のスキャンに失敗しました: %w", err)
		}
		loans = append(loans, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("貸出一覧の読み込みに失敗しました: %w", err)
	}
	return loans, total, nil
}

// ListByBorrower は借り手の未返却の貸出を返却期限の昇順で返す。
func (r *PostgresLoanRepo) ListByBorrower(ctx context.Context, userID string) ([]model.LoanWithDetails, error) {
	rows, err := r.db.QueryContext(ctx,
		loanDetailsQuery+` WHERE l.user_id = $1 AND l.returned_at IS NULL ORDER BY l.due_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("借り手の貸出一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var loans []model.LoanWithDetails
	for rows.Next() {
		d, err := scanLoanDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("貸出のスキャンに失敗しました: %w", err)
		}
		loans = append(loans, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("貸出一覧の読み込みに失敗しました: %w", err)
	}
	return loans, nil
}

// CountActive は未返却の貸出件数を返す。
func (r *PostgresLoanRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE returned_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("貸出件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// CountOverdue は指定時刻時点で延滞している貸出件数を返す。
func (r *PostgresLoanRepo) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE returned_at IS NULL AND due_at < $1`, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("延滞件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ LoanRepository = (*PostgresLoanRepo)(nil)
