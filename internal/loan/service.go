// Package loan は貸出と返却のドメインロジックを提供する。
//
// 蔵書がBORROWEDであることと、その蔵書に未返却の貸出がちょうど1件あることは常に一致する。
// 貸出・返却はいずれも蔵書の状態変更、貸出記録の変更、監査ログの追記を1つのトランザクションで行う。
package loan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/repository"
)

const (
	// DefaultLoanPeriodDays は貸出期間の指定が無い場合の日数。
	DefaultLoanPeriodDays = 14
	// MinLoanPeriodDays は貸出期間の下限。
	MinLoanPeriodDays = 1
	// MaxLoanPeriodDays は貸出期間の上限。
	MaxLoanPeriodDays = 365
	// PageSize は貸出中一覧の1ページあたりの件数。
	PageSize = 20
)

// メトリクスに記録する拒否理由。
const (
	conflictAlreadyBorrowed = "already_borrowed"
	conflictNotReturnable   = "not_found_or_returned"
)

// CheckoutInput は貸出の入力値。LoanPeriodDaysが0の場合はDefaultLoanPeriodDaysを使う。
type CheckoutInput struct {
	BookID         string
	BorrowerID     string
	LoanPeriodDays int
}

// ActiveLoanFilter は貸出中一覧の検索条件。Borrowerは借り手の名前またはメールアドレスの部分一致。
type ActiveLoanFilter struct {
	Borrower string
	Page     int
}

// LoanView は貸出と表示用の導出値。延滞は保存せず、取得時点の時刻から導出する。
type LoanView struct {
	model.LoanWithDetails
	Overdue bool
	DueSoon bool
}

// LoanPage は貸出中一覧の1ページ分。
type LoanPage struct {
	Loans    []LoanView
	Total    int
	Page     int
	PageSize int
}

// Service は貸出管理のサービス層。
type Service struct {
	store    repository.Store
	gate     *rbac.Gate
	recorder *audit.Recorder
	metrics  metrics.MetricsCollector
	now      func() time.Time
	newID    func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	store repository.Store,
	gate *rbac.Gate,
	recorder *audit.Recorder,
	collector metrics.MetricsCollector,
	now func() time.Time,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		gate:     gate,
		recorder: recorder,
		metrics:  collector,
		now:      now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Checkout は蔵書を貸し出す。
// 蔵書の行をロックしてから状態を確認するため、同じ蔵書への同時の貸出は1件だけが成功し、
// 残りはALREADY_BORROWEDになる。
func (s *Service) Checkout(ctx context.Context, actor *model.Principal, in CheckoutInput) (*model.Loan, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageLoans); err != nil {
		return nil, err
	}

	in, err := normalizeCheckout(in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	loan := &model.Loan{
		ID:         s.newID(),
		BookID:     in.BookID,
		UserID:     in.BorrowerID,
		BorrowedAt: now,
		DueAt:      now.AddDate(0, 0, in.LoanPeriodDays),
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		book, err := repos.Books.FindByIDForUpdate(ctx, in.BookID)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if book == nil {
			return model.NewBookNotFoundError(in.BookID)
		}
		if book.Status == model.BookStatusBorrowed {
			return model.NewAlreadyBorrowedError()
		}

		borrower, err := repos.Users.FindByID(ctx, in.BorrowerID)
		if err != nil {
			return fmt.Errorf("借り手の取得に失敗しました: %w", err)
		}
		if borrower == nil {
			return model.NewUserNotFoundError()
		}

		if err := repos.Loans.Create(ctx, loan); err != nil {
			if model.HasCode(err, model.ErrCodeAlreadyBorrowed) {
				return err
			}
			return fmt.Errorf("貸出の登録に失敗しました: %w", err)
		}
		if err := repos.Books.UpdateStatus(ctx, book.ID, model.BookStatusBorrowed, now); err != nil {
			return fmt.Errorf("蔵書の状態更新に失敗しました: %w", err)
		}

		return s.recorder.Record(ctx, repos.Audit, audit.Entry{
			ActorID:  audit.ActorID(actor),
			Action:   model.AuditLoanCheckout,
			Entity:   model.EntityLoan,
			EntityID: loan.ID,
			Details:  fmt.Sprintf("Book %s → %s", book.Title, borrower.Label("Unknown")),
		})
	})
	if err != nil {
		if model.HasCode(err, model.ErrCodeAlreadyBorrowed) {
			s.metrics.RecordLoanConflict(conflictAlreadyBorrowed)
		}
		return nil, err
	}

	s.metrics.RecordCheckout()
	s.metrics.RecordAuditEntry(string(model.AuditLoanCheckout))
	return loan, nil
}

// Return は貸出を返却済みにし、蔵書をAVAILABLEに戻す。
// 存在しない貸出と返却済みの貸出はどちらもNOT_FOUND_OR_ALREADY_RETURNEDになる。
func (s *Service) Return(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageLoans); err != nil {
		return nil, err
	}

	var returned *model.Loan
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		loan, err := repos.Loans.FindByIDForUpdate(ctx, loanID)
		if err != nil {
			return fmt.Errorf("貸出の取得に失敗しました: %w", err)
		}
		if loan == nil || !loan.IsActive() {
			return model.NewNotFoundOrAlreadyReturnedError()
		}

		now := s.now()
		updated, err := repos.Loans.MarkReturned(ctx, loanID, now)
		if err != nil {
			return fmt.Errorf("返却の登録に失敗しました: %w", err)
		}
		if !updated {
			return model.NewNotFoundOrAlreadyReturnedError()
		}

		book, err := repos.Books.FindByIDForUpdate(ctx, loan.BookID)
		if err != nil {
			return fmt.Errorf("蔵書の取得に失敗しました: %w", err)
		}
		if book == nil {
			return model.NewBookNotFoundError(loan.BookID)
		}
		if err := repos.Books.UpdateStatus(ctx, book.ID, model.BookStatusAvailable, now); err != nil {
			return fmt.Errorf("蔵書の状態更新に失敗しました: %w", err)
		}

		if err := s.recorder.Record(ctx, repos.Audit, audit.Entry{
			ActorID:  audit.ActorID(actor),
			Action:   model.AuditLoanReturn,
			Entity:   model.EntityLoan,
			EntityID: loan.ID,
			Details:  fmt.Sprintf("Book %s returned", book.Title),
		}); err != nil {
			return err
		}

		loan.ReturnedAt = &now
		returned = loan
		return nil
	})
	if err != nil {
		if model.HasCode(err, model.ErrCodeNotFoundOrReturned) {
			s.metrics.RecordLoanConflict(conflictNotReturnable)
		}
		return nil, err
	}

	s.metrics.RecordReturn()
	s.metrics.RecordAuditEntry(string(model.AuditLoanReturn))
	return returned, nil
}

// ListActive は貸出中の貸出を返却期限の早い順に1ページ分返す。
func (s *Service) ListActive(ctx context.Context, actor *model.Principal, filter ActiveLoanFilter) (*LoanPage, error) {
	if _, err := s.gate.Authorize(actor, rbac.ManageLoans); err != nil {
		return nil, err
	}

	page, ok := model.NormalizePage(filter.Page)
	if !ok {
		return nil, model.NewValidationError(map[string]string{"page": model.PageMessage})
	}
	rows, total, err := s.store.Repos().Loans.ListActive(ctx, strings.TrimSpace(filter.Borrower), PageSize, (page-1)*PageSize)
	if err != nil {
		return nil, fmt.Errorf("貸出一覧の取得に失敗しました: %w", err)
	}

	return &LoanPage{
		Loans:    s.views(rows),
		Total:    total,
		Page:     page,
		PageSize: PageSize,
	}, nil
}

// ListMine は実行者自身の貸出中の貸出を返す。filterで延滞中または期限間近に絞り込める。
func (s *Service) ListMine(ctx context.Context, actor *model.Principal, filter string) ([]LoanView, error) {
	if _, err := s.gate.Authorize(actor, rbac.ViewOwnLoans); err != nil {
		return nil, err
	}

	f := model.MyLoanFilter(strings.ToLower(strings.TrimSpace(filter)))
	switch f {
	case "":
		f = model.MyLoanFilterAll
	case model.MyLoanFilterAll, model.MyLoanFilterOverdue, model.MyLoanFilterDueSoon:
	default:
		return nil, model.NewValidationError(map[string]string{
			"filter": "all、overdue、due_soonのいずれかを指定してください",
		})
	}

	rows, err := s.store.Repos().Loans.ListByBorrower(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("貸出一覧の取得に失敗しました: %w", err)
	}

	views := s.views(rows)
	out := views[:0]
	for _, v := range views {
		switch {
		case f == model.MyLoanFilterOverdue && !v.Overdue:
			continue
		case f == model.MyLoanFilterDueSoon && !v.DueSoon:
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ActiveLoanForBook は蔵書の貸出中の貸出を返す。貸出中でなければnilを返す。
// 借り手の名前とメールアドレスは、貸出を管理できる実行者か借り手本人にのみ含める。
func (s *Service) ActiveLoanForBook(ctx context.Context, actor *model.Principal, bookID string) (*LoanView, error) {
	if _, err := s.gate.Authorize(actor, rbac.BrowseCatalog); err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	loan, err := repos.Loans.FindActiveByBookID(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("貸出の取得に失敗しました: %w", err)
	}
	if loan == nil {
		return nil, nil
	}

	now := s.now()
	view := &LoanView{
		LoanWithDetails: model.LoanWithDetails{Loan: *loan},
		Overdue:         loan.IsOverdue(now),
		DueSoon:         loan.IsDueSoon(now),
	}
	if rbac.Allowed(actor.Role, rbac.ManageLoans) || loan.UserID == actor.UserID {
		borrower, err := repos.Users.FindByID(ctx, loan.UserID)
		if err != nil {
			return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
		}
		if borrower != nil {
			view.BorrowerName = borrower.Name
			view.BorrowerEmail = borrower.Email
		}
	}
	return view, nil
}

// Stats はダッシュボード用に蔵書数、貸出中件数、延滞件数を返す。
func (s *Service) Stats(ctx context.Context, actor *model.Principal) (*model.LoanStats, error) {
	if _, err := s.gate.AuthorizeAny(actor, rbac.ManageBooks, rbac.ManageUsers); err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	books, err := repos.Books.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("蔵書数の取得に失敗しました: %w", err)
	}
	active, err := repos.Loans.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("貸出件数の取得に失敗しました: %w", err)
	}
	overdue, err := repos.Loans.CountOverdue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("延滞件数の取得に失敗しました: %w", err)
	}

	return &model.LoanStats{
		TotalBooks:   books,
		ActiveLoans:  active,
		OverdueLoans: overdue,
	}, nil
}

func (s *Service) views(rows []model.LoanWithDetails) []LoanView {
	now := s.now()
	views := make([]LoanView, len(rows))
	for i, r := range rows {
		views[i] = LoanView{
			LoanWithDetails: r,
			Overdue:         r.IsOverdue(now),
			DueSoon:         r.IsDueSoon(now),
		}
	}
	return views
}

func normalizeCheckout(in CheckoutInput) (CheckoutInput, error) {
	in.BookID = strings.TrimSpace(in.BookID)
	in.BorrowerID = strings.TrimSpace(in.BorrowerID)
	if in.LoanPeriodDays == 0 {
		in.LoanPeriodDays = DefaultLoanPeriodDays
	}

	fields := map[string]string{}
	if in.BookID == "" {
		fields["book_id"] = "必須項目です"
	}
	if in.BorrowerID == "" {
		fields["borrower_id"] = "必須項目です"
	}
	if in.LoanPeriodDays < MinLoanPeriodDays || in.LoanPeriodDays > MaxLoanPeriodDays {
		fields["loan_period_days"] = fmt.Sprintf("%d以上%d以下で指定してください", MinLoanPeriodDays, MaxLoanPeriodDays)
	}
	if len(fields) > 0 {
		return in, model.NewValidationError(fields)
	}
	return in, nil
}
