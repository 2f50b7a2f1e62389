// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/libris/internal/model"
)

// SessionCookieName はセッションIDを保持するHTTP Only Cookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに実行者を格納するためのキー。
var principalContextKey = contextKey("principal")

// PrincipalResolver はセッションIDから実行者を解決する。
// auth.Serviceが実装する。
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, sessionID string) (*model.Principal, error)
}

// NewSessionMiddleware はHTTP Only CookieからセッションIDを読み取り、
// 実行者（ロールを含む）をDBから解決してリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(resolver PrincipalResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			principal, err := resolver.ResolvePrincipal(r.Context(), cookie.Value)
			if err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) {
					slog.Error("failed to resolve principal",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			annotateRequest(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから実行者を取得する。
// セッションミドルウェアを通過していないリクエストではnilを返す。
func PrincipalFromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalContextKey).(*model.Principal)
	return p
}

// ContextWithPrincipal はコンテキストに実行者を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
