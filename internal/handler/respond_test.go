package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/libris/internal/model"
)

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeUnauthenticated, http.StatusUnauthorized},
		{model.ErrCodeForbidden, http.StatusForbidden},
		{model.ErrCodeSSRFBlocked, http.StatusForbidden},
		{model.ErrCodeValidationFailed, http.StatusBadRequest},
		{model.ErrCodeInvalidRole, http.StatusBadRequest},
		{model.ErrCodeInvalidURL, http.StatusBadRequest},
		{model.ErrCodeBookNotFound, http.StatusNotFound},
		{model.ErrCodeUserNotFound, http.StatusNotFound},
		{model.ErrCodeAlreadyBorrowed, http.StatusConflict},
		{model.ErrCodeNotFoundOrReturned, http.StatusConflict},
		{model.ErrCodeBookHasActiveLoan, http.StatusConflict},
		{model.ErrCodeDependencyUnavailable, http.StatusServiceUnavailable},
		{model.ErrCodeSuggestionFailed, http.StatusBadGateway},
		{model.ErrCodeFetchFailed, http.StatusBadGateway},
		{model.ErrCodeFeedNotDetected, http.StatusUnprocessableEntity},
		{model.ErrCodeParseFailed, http.StatusUnprocessableEntity},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_WrappedAPIError(t *testing.T) {
	err := fmt.Errorf("貸出に失敗: %w", model.NewAlreadyBorrowedError())

	w := httptest.NewRecorder()
	handleServiceError(w, httptest.NewRequest(http.MethodPost, "/api/loans", nil), err)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeAlreadyBorrowed {
		t.Errorf("code = %q, want %q", code, model.ErrCodeAlreadyBorrowed)
	}
}

func TestHandleServiceError_InternalDetailsHidden(t *testing.T) {
	w := httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/books", nil), memberPrincipal())
	handleServiceError(w, req, errors.New("pq: password authentication failed"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := w.Body.String()
	if code := decodeErrorCode(t, w); code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", code, model.ErrCodeInternal)
	}
	if strings.Contains(body, "pq:") || strings.Contains(body, "password") {
		t.Errorf("内部エラーの詳細がレスポンスに含まれている: %s", body)
	}
}

// mockPinger はPingerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "正常", wantStatus: http.StatusOK},
		{name: "DB停止", err: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(&mockPinger{err: tt.err})(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
