package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
)

// LoanServiceInterface は貸出ハンドラーが必要とするサービスインターフェース。
type LoanServiceInterface interface {
	Checkout(ctx context.Context, actor *model.Principal, in loan.CheckoutInput) (*model.Loan, error)
	Return(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error)
	ListActive(ctx context.Context, actor *model.Principal, filter loan.ActiveLoanFilter) (*loan.LoanPage, error)
	ListMine(ctx context.Context, actor *model.Principal, filter string) ([]loan.LoanView, error)
}

// BorrowerLister は貸出フォームの借り手候補を返す。
type BorrowerLister interface {
	ListBorrowers(ctx context.Context, actor *model.Principal) ([]*model.User, error)
}

// LoanHandler は貸出管理のHTTPハンドラー。
type LoanHandler struct {
	service   LoanServiceInterface
	borrowers BorrowerLister
}

// NewLoanHandler はLoanHandlerを生成する。
func NewLoanHandler(service LoanServiceInterface, borrowers BorrowerLister) *LoanHandler {
	return &LoanHandler{
		service:   service,
		borrowers: borrowers,
	}
}

// loanResponse は貸出のAPIレスポンス。延滞と期限間近は取得時点で導出した値。
type loanResponse struct {
	ID            string     `json:"id"`
	BookID        string     `json:"book_id"`
	BookTitle     string     `json:"book_title,omitempty"`
	BookAuthor    string     `json:"book_author,omitempty"`
	BorrowerID    string     `json:"borrower_id"`
	BorrowerName  string     `json:"borrower_name,omitempty"`
	BorrowerEmail string     `json:"borrower_email,omitempty"`
	BorrowedAt    time.Time  `json:"borrowed_at"`
	DueAt         time.Time  `json:"due_at"`
	ReturnedAt    *time.Time `json:"returned_at,omitempty"`
	Overdue       bool       `json:"overdue"`
	DueSoon       bool       `json:"due_soon"`
}

type loanPageResponse struct {
	Loans    []loanResponse `json:"loans"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type checkoutRequest struct {
	BookID         string `json:"book_id"`
	BorrowerID     string `json:"borrower_id"`
	LoanPeriodDays int    `json:"loan_period_days"`
}

type borrowerResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Checkout は蔵書を貸し出す。
// POST /api/loans
func (h *LoanHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := h.service.Checkout(r.Context(), middleware.PrincipalFromContext(r.Context()), loan.CheckoutInput{
		BookID:         req.BookID,
		BorrowerID:     req.BorrowerID,
		LoanPeriodDays: req.LoanPeriodDays,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanResponse(loan.LoanView{LoanWithDetails: model.LoanWithDetails{Loan: *l}}))
}

// Return は貸出を返却する。
// POST /api/loans/{id}/return
func (h *LoanHandler) Return(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.Return(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanResponse(loan.LoanView{LoanWithDetails: model.LoanWithDetails{Loan: *l}}))
}

// ListActive は貸出中の一覧を返す。
// GET /api/loans?borrower=&page=
func (h *LoanHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.ListActive(r.Context(), middleware.PrincipalFromContext(r.Context()), loan.ActiveLoanFilter{
		Borrower: r.URL.Query().Get("borrower"),
		Page:     queryInt(r, "page"),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loanPageResponse{
		Loans:    toLoanResponses(page.Loans),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

// ListMine は実行者自身の貸出を返す。
// GET /api/loans/mine?filter=all|overdue|due_soon
func (h *LoanHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListMine(r.Context(), middleware.PrincipalFromContext(r.Context()), r.URL.Query().Get("filter"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanResponses(views))
}

// ListBorrowers は貸出フォームの借り手候補を返す。
// GET /api/borrowers
func (h *LoanHandler) ListBorrowers(w http.ResponseWriter, r *http.Request) {
	users, err := h.borrowers.ListBorrowers(r.Context(), middleware.PrincipalFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := make([]borrowerResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, borrowerResponse{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toLoanResponse(v loan.LoanView) loanResponse {
	return loanResponse{
		ID:            v.ID,
		BookID:        v.BookID,
		BookTitle:     v.BookTitle,
		BookAuthor:    v.BookAuthor,
		BorrowerID:    v.UserID,
		BorrowerName:  v.BorrowerName,
		BorrowerEmail: v.BorrowerEmail,
		BorrowedAt:    v.BorrowedAt,
		DueAt:         v.DueAt,
		ReturnedAt:    v.ReturnedAt,
		Overdue:       v.Overdue,
		DueSoon:       v.DueSoon,
	}
}

func toLoanResponses(views []loan.LoanView) []loanResponse {
	resp := make([]loanResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, toLoanResponse(v))
	}
	return resp
}
