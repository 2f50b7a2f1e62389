package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（1MiB）。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidationFailed,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// queryInt はクエリパラメータを整数として返す。未指定または不正な値の場合は0を返す。
func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱い、詳細はログのみに記録する
	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	}
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		attrs = append(attrs, slog.String("user_id", p.UserID))
	}
	slog.Error("internal server error", attrs...)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeValidationFailed, model.ErrCodeInvalidRole, model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeBookNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlreadyBorrowed, model.ErrCodeNotFoundOrReturned, model.ErrCodeBookHasActiveLoan:
		return http.StatusConflict
	case model.ErrCodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeSuggestionFailed, model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
