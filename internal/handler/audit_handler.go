package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
)

// AuditServiceInterface は監査ログハンドラーが必要とするサービスインターフェース。
type AuditServiceInterface interface {
	List(ctx context.Context, actor *model.Principal, in audit.ListInput) (*audit.Page, error)
}

// AuditHandler は監査ログ閲覧のHTTPハンドラー。
type AuditHandler struct {
	service AuditServiceInterface
}

// NewAuditHandler はAuditHandlerを生成する。
func NewAuditHandler(service AuditServiceInterface) *AuditHandler {
	return &AuditHandler{service: service}
}

// auditEntryResponse は監査ログ1件のレスポンス。actor_idがnullの場合はシステム操作。
type auditEntryResponse struct {
	ID         string    `json:"id"`
	ActorID    *string   `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	ActorEmail string    `json:"actor_email,omitempty"`
	Action     string    `json:"action"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

type auditPageResponse struct {
	Entries  []auditEntryResponse `json:"entries"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// List は監査ログを新しい順に返す。
// GET /api/audit-logs?action=&user=&from=YYYY-MM-DD&to=YYYY-MM-DD&page=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.service.List(r.Context(), middleware.PrincipalFromContext(r.Context()), audit.ListInput{
		Action: q.Get("action"),
		User:   q.Get("user"),
		From:   q.Get("from"),
		To:     q.Get("to"),
		Page:   queryInt(r, "page"),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := auditPageResponse{
		Entries:  make([]auditEntryResponse, 0, len(page.Entries)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, e := range page.Entries {
		resp.Entries = append(resp.Entries, auditEntryResponse{
			ID:         e.ID,
			ActorID:    e.ActorID,
			ActorName:  e.ActorName,
			ActorEmail: e.ActorEmail,
			Action:     string(e.Action),
			Entity:     e.Entity,
			EntityID:   e.EntityID,
			Details:    e.Details,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
