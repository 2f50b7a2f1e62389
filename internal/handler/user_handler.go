package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// UpdateRole はユーザーのロールを変更し、監査ログに記録する。
	UpdateRole(ctx context.Context, actor *model.Principal, userID, role string) (*model.User, error)
	// ListUsers は条件に一致するユーザーを返す。
	ListUsers(ctx context.Context, actor *model.Principal, in user.ListInput) ([]*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

// ListUsers はユーザー一覧を返す。
// GET /api/users?name=&email=&role=
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users, err := h.service.ListUsers(r.Context(), middleware.PrincipalFromContext(r.Context()), user.ListInput{
		Name:  q.Get("name"),
		Email: q.Get("email"),
		Role:  q.Get("role"),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateRole はユーザーのロールを変更する。
// PUT /api/users/{id}/role
func (h *UserHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.service.UpdateRole(r.Context(), middleware.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
}
