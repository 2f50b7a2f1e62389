package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
)

// DashboardServiceInterface はダッシュボードが必要とする貸出サービスのインターフェース。
type DashboardServiceInterface interface {
	Stats(ctx context.Context, actor *model.Principal) (*model.LoanStats, error)
	ListMine(ctx context.Context, actor *model.Principal, filter string) ([]loan.LoanView, error)
}

// DashboardHandler はログイン直後のダッシュボード表示用ハンドラー。
type DashboardHandler struct {
	loans DashboardServiceInterface
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(loans DashboardServiceInterface) *DashboardHandler {
	return &DashboardHandler{loans: loans}
}

type statsResponse struct {
	TotalBooks   int `json:"total_books"`
	ActiveLoans  int `json:"active_loans"`
	OverdueLoans int `json:"overdue_loans"`
}

// dashboardResponse は職員には蔵書・貸出の集計、全員には自分の貸出を返す。
type dashboardResponse struct {
	Role    string         `json:"role"`
	Stats   *statsResponse `json:"stats,omitempty"`
	MyLoans []loanResponse `json:"my_loans"`
}

// Get はダッシュボードの内容を返す。
// GET /api/dashboard
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor := middleware.PrincipalFromContext(r.Context())
	if actor == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}
	resp := dashboardResponse{
		Role:    string(actor.Role),
		MyLoans: []loanResponse{},
	}

	if rbac.Allowed(actor.Role, rbac.ManageBooks) || rbac.Allowed(actor.Role, rbac.ManageUsers) {
		stats, err := h.loans.Stats(r.Context(), actor)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp.Stats = &statsResponse{
			TotalBooks:   stats.TotalBooks,
			ActiveLoans:  stats.ActiveLoans,
			OverdueLoans: stats.OverdueLoans,
		}
	}

	if rbac.Allowed(actor.Role, rbac.ViewOwnLoans) {
		views, err := h.loans.ListMine(r.Context(), actor, string(model.MyLoanFilterAll))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp.MyLoans = toLoanResponses(views)
	}

	writeJSON(w, http.StatusOK, resp)
}
