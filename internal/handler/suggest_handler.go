package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
)

// SuggestionServiceInterface は文章提案ハンドラーが必要とするサービスインターフェース。
type SuggestionServiceInterface interface {
	Enabled() bool
	ImproveDescription(ctx context.Context, actor *model.Principal, description string) (string, error)
	SuggestTags(ctx context.Context, actor *model.Principal, title, author, description string) ([]string, error)
}

// SuggestHandler は文章提案のHTTPハンドラー。提案結果は保存せず、適用は蔵書APIで行う。
type SuggestHandler struct {
	service SuggestionServiceInterface
}

// NewSuggestHandler はSuggestHandlerを生成する。
func NewSuggestHandler(service SuggestionServiceInterface) *SuggestHandler {
	return &SuggestHandler{service: service}
}

type suggestTagsRequest struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Description string `json:"description"`
}

type suggestTagsResponse struct {
	Tags []string `json:"tags"`
}

// Status は文章提案が利用可能かを返す。
// GET /api/suggestions
func (h *SuggestHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.service.Enabled()})
}

// ImproveDescription は紹介文の改善案を返す。
// POST /api/suggestions/description
func (h *SuggestHandler) ImproveDescription(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := h.service.ImproveDescription(r.Context(), middleware.PrincipalFromContext(r.Context()), req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptionRequest{Description: text})
}

// SuggestTags はタグ案を返す。
// POST /api/suggestions/tags
func (h *SuggestHandler) SuggestTags(w http.ResponseWriter, r *http.Request) {
	var req suggestTagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tags, err := h.service.SuggestTags(r.Context(), middleware.PrincipalFromContext(r.Context()), req.Title, req.Author, req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestTagsResponse{Tags: tags})
}
