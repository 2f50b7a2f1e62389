package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/model"
)

// --- モック定義 ---

// mockLoanService はLoanServiceInterfaceとDashboardServiceInterfaceのモック実装。
type mockLoanService struct {
	checkoutFn          func(ctx context.Context, actor *model.Principal, in loan.CheckoutInput) (*model.Loan, error)
	returnFn            func(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error)
	listActiveFn        func(ctx context.Context, actor *model.Principal, filter loan.ActiveLoanFilter) (*loan.LoanPage, error)
	listMineFn          func(ctx context.Context, actor *model.Principal, filter string) ([]loan.LoanView, error)
	activeLoanForBookFn func(ctx context.Context, actor *model.Principal, bookID string) (*loan.LoanView, error)
	statsFn             func(ctx context.Context, actor *model.Principal) (*model.LoanStats, error)
}

func (m *mockLoanService) Checkout(ctx context.Context, actor *model.Principal, in loan.CheckoutInput) (*model.Loan, error) {
	if m.checkoutFn != nil {
		return m.checkoutFn(ctx, actor, in)
	}
	return nil, nil
}

func (m *mockLoanService) Return(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error) {
	if m.returnFn != nil {
		return m.returnFn(ctx, actor, loanID)
	}
	return nil, nil
}

func (m *mockLoanService) ListActive(ctx context.Context, actor *model.Principal, filter loan.ActiveLoanFilter) (*loan.LoanPage, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx, actor, filter)
	}
	return &loan.LoanPage{}, nil
}

func (m *mockLoanService) ListMine(ctx context.Context, actor *model.Principal, filter string) ([]loan.LoanView, error) {
	if m.listMineFn != nil {
		return m.listMineFn(ctx, actor, filter)
	}
	return nil, nil
}

func (m *mockLoanService) ActiveLoanForBook(ctx context.Context, actor *model.Principal, bookID string) (*loan.LoanView, error) {
	if m.activeLoanForBookFn != nil {
		return m.activeLoanForBookFn(ctx, actor, bookID)
	}
	return nil, nil
}

func (m *mockLoanService) Stats(ctx context.Context, actor *model.Principal) (*model.LoanStats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx, actor)
	}
	return &model.LoanStats{}, nil
}

// mockBorrowerLister はBorrowerListerのモック実装。
type mockBorrowerLister struct {
	listBorrowersFn func(ctx context.Context, actor *model.Principal) ([]*model.User, error)
}

func (m *mockBorrowerLister) ListBorrowers(ctx context.Context, actor *model.Principal) ([]*model.User, error) {
	if m.listBorrowersFn != nil {
		return m.listBorrowersFn(ctx, actor)
	}
	return nil, nil
}

var loanTestNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// --- POST /api/loans テスト ---

func TestLoanHandler_Checkout_Success(t *testing.T) {
	var got loan.CheckoutInput
	svc := &mockLoanService{
		checkoutFn: func(ctx context.Context, actor *model.Principal, in loan.CheckoutInput) (*model.Loan, error) {
			got = in
			return &model.Loan{
				ID:         "l-1",
				BookID:     in.BookID,
				UserID:     in.BorrowerID,
				BorrowedAt: loanTestNow,
				DueAt:      loanTestNow.AddDate(0, 0, in.LoanPeriodDays),
			}, nil
		},
	}
	h := NewLoanHandler(svc, &mockBorrowerLister{})

	body := `{"book_id":"b-1","borrower_id":"member-1","loan_period_days":21}`
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(body)), librarianPrincipal())
	w := httptest.NewRecorder()

	h.Checkout(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	want := loan.CheckoutInput{BookID: "b-1", BorrowerID: "member-1", LoanPeriodDays: 21}
	if got != want {
		t.Errorf("input = %+v, want %+v", got, want)
	}

	var resp loanResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.ID != "l-1" || resp.BorrowerID != "member-1" || !resp.DueAt.Equal(loanTestNow.AddDate(0, 0, 21)) {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ReturnedAt != nil {
		t.Error("returned_at should be nil for a new loan")
	}
}

func TestLoanHandler_Checkout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "貸出中", err: model.NewAlreadyBorrowedError(), wantStatus: http.StatusConflict, wantCode: model.ErrCodeAlreadyBorrowed},
		{name: "蔵書なし", err: model.NewBookNotFoundError("b-1"), wantStatus: http.StatusNotFound, wantCode: model.ErrCodeBookNotFound},
		{name: "借り手なし", err: model.NewUserNotFoundError(), wantStatus: http.StatusNotFound, wantCode: model.ErrCodeUserNotFound},
		{name: "権限なし", err: model.NewForbiddenError(model.RoleMember), wantStatus: http.StatusForbidden, wantCode: model.ErrCodeForbidden},
		{name: "内部エラー", err: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantCode: model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLoanService{
				checkoutFn: func(ctx context.Context, actor *model.Principal, in loan.CheckoutInput) (*model.Loan, error) {
					return nil, tt.err
				},
			}
			h := NewLoanHandler(svc, &mockBorrowerLister{})

			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{"book_id":"b-1","borrower_id":"u"}`)), librarianPrincipal())
			w := httptest.NewRecorder()

			h.Checkout(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

// --- POST /api/loans/{id}/return テスト ---

func TestLoanHandler_Return_Success(t *testing.T) {
	returned := loanTestNow.Add(48 * time.Hour)
	svc := &mockLoanService{
		returnFn: func(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error) {
			if loanID != "l-1" {
				t.Errorf("loanID = %q, want l-1", loanID)
			}
			return &model.Loan{ID: loanID, BookID: "b-1", UserID: "member-1", ReturnedAt: &returned}, nil
		},
	}
	h := NewLoanHandler(svc, &mockBorrowerLister{})

	req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodPost, "/api/loans/l-1/return", nil), librarianPrincipal()), "id", "l-1")
	w := httptest.NewRecorder()

	h.Return(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp loanResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.ReturnedAt == nil || !resp.ReturnedAt.Equal(returned) {
		t.Errorf("returned_at = %v, want %v", resp.ReturnedAt, returned)
	}
}

func TestLoanHandler_Return_AlreadyReturned(t *testing.T) {
	svc := &mockLoanService{
		returnFn: func(ctx context.Context, actor *model.Principal, loanID string) (*model.Loan, error) {
			return nil, model.NewNotFoundOrAlreadyReturnedError()
		},
	}
	h := NewLoanHandler(svc, &mockBorrowerLister{})

	req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodPost, "/api/loans/l-1/return", nil), librarianPrincipal()), "id", "l-1")
	w := httptest.NewRecorder()

	h.Return(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeNotFoundOrReturned {
		t.Errorf("code = %q, want %q", code, model.ErrCodeNotFoundOrReturned)
	}
}

// --- GET /api/loans テスト ---

func TestLoanHandler_ListActive(t *testing.T) {
	var got loan.ActiveLoanFilter
	svc := &mockLoanService{
		listActiveFn: func(ctx context.Context, actor *model.Principal, filter loan.ActiveLoanFilter) (*loan.LoanPage, error) {
			got = filter
			return &loan.LoanPage{
				Loans: []loan.LoanView{{
					LoanWithDetails: model.LoanWithDetails{
						Loan:          model.Loan{ID: "l-1", BookID: "b-1", UserID: "member-1", DueAt: loanTestNow.Add(-time.Hour)},
						BookTitle:     "Dune",
						BorrowerName:  "Member",
						BorrowerEmail: "member@example.com",
					},
					Overdue: true,
				}},
				Total:    1,
				Page:     1,
				PageSize: 20,
			}, nil
		},
	}
	h := NewLoanHandler(svc, &mockBorrowerLister{})

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/loans?borrower=mem&page=1", nil), librarianPrincipal())
	w := httptest.NewRecorder()

	h.ListActive(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Borrower != "mem" || got.Page != 1 {
		t.Errorf("filter = %+v", got)
	}
	var resp loanPageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp.Loans) != 1 || !resp.Loans[0].Overdue || resp.Loans[0].BookTitle != "Dune" {
		t.Errorf("loans = %+v", resp.Loans)
	}
}

// --- GET /api/loans/mine テスト ---

func TestLoanHandler_ListMine_PassesFilter(t *testing.T) {
	var gotFilter string
	svc := &mockLoanService{
		listMineFn: func(ctx context.Context, actor *model.Principal, filter string) ([]loan.LoanView, error) {
			if actor.UserID != "member-1" {
				t.Errorf("actor = %q, want member-1", actor.UserID)
			}
			gotFilter = filter
			return nil, nil
		},
	}
	h := NewLoanHandler(svc, &mockBorrowerLister{})

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/loans/mine?filter=overdue", nil), memberPrincipal())
	w := httptest.NewRecorder()

	h.ListMine(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotFilter != "overdue" {
		t.Errorf("filter = %q, want overdue", gotFilter)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", w.Body.String())
	}
}

// --- GET /api/borrowers テスト ---

func TestLoanHandler_ListBorrowers(t *testing.T) {
	borrowers := &mockBorrowerLister{
		listBorrowersFn: func(ctx context.Context, actor *model.Principal) ([]*model.User, error) {
			return []*model.User{{ID: "member-1", Name: "Member", Email: "member@example.com", Role: model.RoleMember}}, nil
		},
	}
	h := NewLoanHandler(&mockLoanService{}, borrowers)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/borrowers", nil), librarianPrincipal())
	w := httptest.NewRecorder()

	h.ListBorrowers(w, req)

	var resp []borrowerResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Email != "member@example.com" {
		t.Errorf("borrowers = %+v", resp)
	}
}
