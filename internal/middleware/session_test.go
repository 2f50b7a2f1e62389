package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/libris/internal/model"
)

// mockResolver はPrincipalResolverのモック。
type mockResolver struct {
	resolveFn func(ctx context.Context, sessionID string) (*model.Principal, error)
}

func (m *mockResolver) ResolvePrincipal(ctx context.Context, sessionID string) (*model.Principal, error) {
	return m.resolveFn(ctx, sessionID)
}

// resolverFor は指定セッションIDのみを解決するモックを返す。
func resolverFor(sessionID string, p *model.Principal) *mockResolver {
	return &mockResolver{
		resolveFn: func(_ context.Context, id string) (*model.Principal, error) {
			if id != sessionID {
				return nil, model.NewUnauthenticatedError()
			}
			return p, nil
		},
	}
}

func librarian() *model.Principal {
	return &model.Principal{UserID: "user-123", Name: "Lib", Email: "lib@example.com", Role: model.RoleLibrarian}
}

func TestSessionMiddleware_ValidSession_InjectsPrincipal(t *testing.T) {
	var got *model.Principal
	handler := NewSessionMiddleware(resolverFor("valid-session", librarian()))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = PrincipalFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got == nil || got.UserID != "user-123" || got.Role != model.RoleLibrarian {
		t.Errorf("principal = %+v", got)
	}
}

func TestSessionMiddleware_Unauthenticated_Returns401(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"Cookieなし", nil},
		{"空のCookie", &http.Cookie{Name: SessionCookieName, Value: ""}},
		{"期限切れ・不明なセッション", &http.Cookie{Name: SessionCookieName, Value: "expired"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewSessionMiddleware(resolverFor("valid-session", librarian()))(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					called = true
				}),
			)

			req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if called {
				t.Error("後続のハンドラーが呼ばれてはならない")
			}
			assertErrorCode(t, rec, model.ErrCodeUnauthenticated)
		})
	}
}

func TestSessionMiddleware_ResolverInfrastructureError_Returns500(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(context.Context, string) (*model.Principal, error) {
			return nil, errors.New("connection refused")
		},
	}
	handler := NewSessionMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("後続のハンドラーが呼ばれてはならない")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "any"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	assertErrorCode(t, rec, model.ErrCodeInternal)
}

func TestPrincipalFromContext(t *testing.T) {
	if p := PrincipalFromContext(context.Background()); p != nil {
		t.Errorf("principal = %+v, want nil", p)
	}

	ctx := ContextWithPrincipal(context.Background(), librarian())
	if p := PrincipalFromContext(ctx); p == nil || p.UserID != "user-123" {
		t.Errorf("principal = %+v", p)
	}
}

// assertErrorCode はレスポンスが統一エラーフォーマットで指定コードを持つことを検証する。
func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
}
