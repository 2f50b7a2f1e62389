package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/libris/internal/catalog"
	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
)

// CatalogServiceInterface は蔵書ハンドラーが必要とするサービスインターフェース。
type CatalogServiceInterface interface {
	CreateBook(ctx context.Context, actor *model.Principal, in catalog.BookInput) (*model.Book, error)
	UpdateBook(ctx context.Context, actor *model.Principal, id string, in catalog.BookInput) (*model.Book, error)
	SoftDeleteBook(ctx context.Context, actor *model.Principal, id string) error
	UpdateDescription(ctx context.Context, actor *model.Principal, id, description string) (*model.Book, error)
	UpdateTags(ctx context.Context, actor *model.Principal, id string, names []string) (*model.Book, error)
	GetBook(ctx context.Context, actor *model.Principal, id string) (*model.Book, error)
	ListBooks(ctx context.Context, actor *model.Principal, in catalog.ListInput) (*catalog.BookPage, error)
	ListTags(ctx context.Context, actor *model.Principal) ([]model.Tag, error)
}

// ActiveLoanFinder は蔵書詳細に貸出状況を含めるためのインターフェース。
type ActiveLoanFinder interface {
	ActiveLoanForBook(ctx context.Context, actor *model.Principal, bookID string) (*loan.LoanView, error)
}

// BookHandler は蔵書管理のHTTPハンドラー。
type BookHandler struct {
	service CatalogServiceInterface
	loans   ActiveLoanFinder
}

// NewBookHandler はBookHandlerを生成する。
func NewBookHandler(service CatalogServiceInterface, loans ActiveLoanFinder) *BookHandler {
	return &BookHandler{
		service: service,
		loans:   loans,
	}
}

// bookResponse は蔵書のAPIレスポンス。
type bookResponse struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Author        string        `json:"author"`
	ISBN          string        `json:"isbn,omitempty"`
	Description   string        `json:"description,omitempty"`
	PublishedYear int           `json:"published_year,omitempty"`
	CoverImageURL string        `json:"cover_image_url,omitempty"`
	Status        string        `json:"status"`
	Tags          []string      `json:"tags"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ActiveLoan    *loanResponse `json:"active_loan,omitempty"`
}

// bookPageResponse は蔵書一覧のAPIレスポンス。
type bookPageResponse struct {
	Books    []bookResponse `json:"books"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type tagResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type descriptionRequest struct {
	Description string `json:"description"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

// ListBooks は蔵書を検索する。
// GET /api/books?q=&author=&isbn=&tag=&status=&sort=&page=
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.service.ListBooks(r.Context(), middleware.PrincipalFromContext(r.Context()), catalog.ListInput{
		Query:  q.Get("q"),
		Author: q.Get("author"),
		ISBN:   q.Get("isbn"),
		Tag:    q.Get("tag"),
		Status: q.Get("status"),
		Sort:   q.Get("sort"),
		Page:   queryInt(r, "page"),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := bookPageResponse{
		Books:    make([]bookResponse, 0, len(page.Books)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, b := range page.Books {
		resp.Books = append(resp.Books, toBookResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBook は蔵書詳細を貸出状況付きで返す。
// GET /api/books/{id}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	actor := middleware.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	book, err := h.service.GetBook(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := toBookResponse(book)

	if h.loans != nil {
		active, err := h.loans.ActiveLoanForBook(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if active != nil {
			lr := toLoanResponse(*active)
			resp.ActiveLoan = &lr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateBook は蔵書を登録する。
// POST /api/books
func (h *BookHandler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var in catalog.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, err := h.service.CreateBook(r.Context(), middleware.PrincipalFromContext(r.Context()), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookResponse(book))
}

// UpdateBook は蔵書の書誌情報とタグを更新する。
// PUT /api/books/{id}
func (h *BookHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	var in catalog.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, err := h.service.UpdateBook(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookResponse(book))
}

// DeleteBook は蔵書を論理削除する。
// DELETE /api/books/{id}
func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SoftDeleteBook(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateDescription は紹介文のみを更新する（文章提案の適用）。
// PUT /api/books/{id}/description
func (h *BookHandler) UpdateDescription(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	book, err := h.service.UpdateDescription(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookResponse(book))
}

// UpdateTags はタグのみを置き換える（タグ提案の適用）。
// PUT /api/books/{id}/tags
func (h *BookHandler) UpdateTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	book, err := h.service.UpdateTags(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookResponse(book))
}

// ListTags はタグ一覧を返す。
// GET /api/tags
func (h *BookHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.ListTags(r.Context(), middleware.PrincipalFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := make([]tagResponse, 0, len(tags))
	for _, t := range tags {
		resp = append(resp, tagResponse{ID: t.ID, Name: t.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toBookResponse(b *model.Book) bookResponse {
	return bookResponse{
		ID:            b.ID,
		Title:         b.Title,
		Author:        b.Author,
		ISBN:          b.ISBN,
		Description:   b.Description,
		PublishedYear: b.PublishedYear,
		CoverImageURL: b.CoverImageURL,
		Status:        string(b.Status),
		Tags:          b.TagNames(),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}
