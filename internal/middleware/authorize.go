package middleware

import (
	"errors"
	"net/http"

	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
)

// RequireCapability は実行者が指定権限を持たないリクエストを拒否するミドルウェアを返す。
// サービス層でも同じ判定を行うが、ここで拒否することで不要なリクエスト解析を避ける。
// セッションミドルウェアの後に配置する。
func RequireCapability(gate *rbac.Gate, c rbac.Capability) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := gate.Authorize(PrincipalFromContext(r.Context()), c); err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) {
					WriteInternalServerError(w)
					return
				}
				status := http.StatusForbidden
				if apiErr.Code == model.ErrCodeUnauthenticated {
					status = http.StatusUnauthorized
				}
				WriteErrorResponse(w, status, apiErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
