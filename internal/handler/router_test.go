package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/auth"
	"github.com/hitoshi/libris/internal/catalog"
	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/security"
	"github.com/hitoshi/libris/internal/suggest"
	"github.com/hitoshi/libris/internal/testfixtures"
	"github.com/hitoshi/libris/internal/user"
)

const testCSRFToken = "csrf-token-for-tests"

// testSessionLifetime はテスト中に時計を進めても失効しない長さにする。
const testSessionLifetime = 30 * 24 * time.Hour

// stubOAuthProvider はauth.OAuthProviderのスタブ。
type stubOAuthProvider struct{}

func (stubOAuthProvider) GetLoginURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (stubOAuthProvider) ExchangeCode(ctx context.Context, code string) (*auth.OAuthUserInfo, error) {
	return &auth.OAuthUserInfo{
		ProviderUserID: "google-" + code,
		Email:          code + "@example.com",
		EmailVerified:  true,
		Name:           code,
		Provider:       "google",
	}, nil
}

// routerEnv はメモリ上のストアと実サービスで構成したルーター。
type routerEnv struct {
	store  *testfixtures.MemoryStore
	clock  *testfixtures.Clock
	router http.Handler
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()

	store := testfixtures.NewMemoryStore()
	clock := testfixtures.NewClock(time.Time{})
	store.Now = clock.Now

	gate := rbac.NewGate(nil)
	recorder := audit.NewRecorder(clock.Now)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	authService := auth.NewService(stubOAuthProvider{}, store, recorder, nil, auth.ServiceConfig{SessionMaxAge: 86400}, clock.Now)

	deps := &RouterDeps{
		Resolver:          authService,
		Gate:              gate,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		AuthService:       authService,
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 86400},
		CatalogService:    catalog.NewService(store, gate, recorder, security.NewTextSanitizer(), nil, clock.Now),
		LoanService:       loan.NewService(store, gate, recorder, nil, clock.Now),
		UserService:       user.NewService(store, gate, recorder, nil, clock.Now),
		AuditService:      audit.NewService(store, gate, time.UTC),
		SuggestionService: suggest.NewService(nil, gate, nil, clock.Now),
		DB:                &mockPinger{},
	}

	return &routerEnv{
		store:  store,
		clock:  clock,
		router: NewRouter(deps),
	}
}

// login はユーザーを登録し、有効なセッションIDを返す。
func (e *routerEnv) login(t *testing.T, u model.User) string {
	t.Helper()
	e.store.AddUser(u)
	sessionID := "session-" + u.ID
	err := e.store.Repos().Sessions.Create(context.Background(), &model.Session{
		ID:        sessionID,
		UserID:    u.ID,
		ExpiresAt: e.clock.Now().Add(testSessionLifetime),
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sessionID
}

// do はセッションCookieとCSRFトークンを付けてリクエストを送る。
func (e *routerEnv) do(method, path, sessionID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: sessionID})
	}
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode %s: %v", w.Body.String(), err)
	}
}

func TestRouter_Health(t *testing.T) {
	env := newRouterEnv(t)

	w := env.do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_LoginRedirects(t *testing.T) {
	env := newRouterEnv(t)

	w := env.do(http.MethodGet, "/auth/google/login", "", "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
}

func TestRouter_ProtectedRoutes_RequireSession(t *testing.T) {
	env := newRouterEnv(t)

	for _, path := range []string{"/api/books", "/api/loans/mine", "/api/dashboard", "/api/audit-logs", "/auth/me"} {
		t.Run(path, func(t *testing.T) {
			w := env.do(http.MethodGet, path, "", "")
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRouter_UnknownSession_Returns401(t *testing.T) {
	env := newRouterEnv(t)

	w := env.do(http.MethodGet, "/api/books", "no-such-session", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_ExpiredSession_Returns401(t *testing.T) {
	env := newRouterEnv(t)
	member := env.login(t, model.User{ID: "member-1", Email: "m@example.com", Role: model.RoleMember})

	if w := env.do(http.MethodGet, "/api/loans/mine", member, ""); w.Code != http.StatusOK {
		t.Fatalf("before expiry: status = %d, want %d", w.Code, http.StatusOK)
	}

	env.clock.Advance(testSessionLifetime + time.Second)
	if w := env.do(http.MethodGet, "/api/loans/mine", member, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("after expiry: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_CapabilityMatrix(t *testing.T) {
	env := newRouterEnv(t)
	member := env.login(t, model.User{ID: "member-1", Email: "m@example.com", Name: "Member", Role: model.RoleMember})
	librarian := env.login(t, model.User{ID: "librarian-1", Email: "l@example.com", Name: "Librarian", Role: model.RoleLibrarian})
	admin := env.login(t, model.User{ID: "admin-1", Email: "a@example.com", Name: "Admin", Role: model.RoleAdmin})

	tests := []struct {
		name    string
		method  string
		path    string
		session string
		want    int
	}{
		{"利用者は蔵書を閲覧できる", http.MethodGet, "/api/books", member, http.StatusOK},
		{"利用者は自分の貸出を閲覧できる", http.MethodGet, "/api/loans/mine", member, http.StatusOK},
		{"利用者は貸出一覧を閲覧できない", http.MethodGet, "/api/loans", member, http.StatusForbidden},
		{"利用者は借り手一覧を閲覧できない", http.MethodGet, "/api/borrowers", member, http.StatusForbidden},
		{"利用者は監査ログを閲覧できない", http.MethodGet, "/api/audit-logs", member, http.StatusForbidden},
		{"利用者は文章提案を使えない", http.MethodGet, "/api/suggestions", member, http.StatusForbidden},
		{"司書は貸出一覧を閲覧できる", http.MethodGet, "/api/loans", librarian, http.StatusOK},
		{"司書は監査ログを閲覧できる", http.MethodGet, "/api/audit-logs", librarian, http.StatusOK},
		{"司書はユーザー管理できない", http.MethodGet, "/api/users", librarian, http.StatusForbidden},
		{"管理者はユーザー管理できる", http.MethodGet, "/api/users", admin, http.StatusOK},
		{"管理者は文章提案の状態を取得できる", http.MethodGet, "/api/suggestions", admin, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.session, "")
			if w.Code != tt.want {
				t.Errorf("%s %s status = %d, want %d (body: %s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRouter_StateChange_RequiresCSRF(t *testing.T) {
	env := newRouterEnv(t)
	librarian := env.login(t, model.User{ID: "librarian-1", Email: "l@example.com", Role: model.RoleLibrarian})

	req := httptest.NewRequest(http.MethodPost, "/api/books", strings.NewReader(`{"title":"Dune","author":"Frank Herbert"}`))
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: librarian})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if len(env.store.AuditEntries()) != 0 {
		t.Error("CSRF検証に失敗したリクエストは処理されてはならない")
	}
}

func TestRouter_LoanLifecycle(t *testing.T) {
	env := newRouterEnv(t)
	member := env.login(t, model.User{ID: "member-1", Email: "m@example.com", Name: "Member", Role: model.RoleMember})
	librarian := env.login(t, model.User{ID: "librarian-1", Email: "l@example.com", Name: "Librarian", Role: model.RoleLibrarian})

	// 1. 司書が蔵書を登録
	w := env.do(http.MethodPost, "/api/books", librarian, `{"title":"Dune","author":"Frank Herbert","tags":["sci-fi"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create book status = %d (body: %s)", w.Code, w.Body.String())
	}
	var book bookResponse
	decodeInto(t, w, &book)
	if book.Status != "AVAILABLE" {
		t.Errorf("new book status = %q, want AVAILABLE", book.Status)
	}

	// 2. 利用者は蔵書を登録できない
	if w := env.do(http.MethodPost, "/api/books", member, `{"title":"x","author":"y"}`); w.Code != http.StatusForbidden {
		t.Errorf("member create status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// 3. 貸出
	w = env.do(http.MethodPost, "/api/loans", librarian, `{"book_id":"`+book.ID+`","borrower_id":"member-1","loan_period_days":14}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d (body: %s)", w.Code, w.Body.String())
	}
	var l loanResponse
	decodeInto(t, w, &l)

	// 4. 同じ蔵書への2回目の貸出は競合
	w = env.do(http.MethodPost, "/api/loans", librarian, `{"book_id":"`+book.ID+`","borrower_id":"member-1"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second checkout status = %d, want %d", w.Code, http.StatusConflict)
	}

	// 5. 蔵書詳細に貸出状況が含まれる
	w = env.do(http.MethodGet, "/api/books/"+book.ID, member, "")
	var detail bookResponse
	decodeInto(t, w, &detail)
	if detail.Status != "BORROWED" || detail.ActiveLoan == nil || detail.ActiveLoan.ID != l.ID {
		t.Errorf("detail = %+v", detail)
	}

	// 6. 貸出中の蔵書は削除できない
	if w := env.do(http.MethodDelete, "/api/books/"+book.ID, librarian, ""); w.Code != http.StatusConflict {
		t.Errorf("delete borrowed book status = %d, want %d", w.Code, http.StatusConflict)
	}

	// 7. 利用者の貸出一覧に表示される
	w = env.do(http.MethodGet, "/api/loans/mine", member, "")
	var mine []loanResponse
	decodeInto(t, w, &mine)
	if len(mine) != 1 || mine[0].BookTitle != "Dune" {
		t.Errorf("mine = %+v", mine)
	}

	// 8. 延滞後はoverdueとして導出される
	env.clock.Advance(15 * 24 * time.Hour)
	w = env.do(http.MethodGet, "/api/loans/mine?filter=overdue", member, "")
	if w.Code != http.StatusOK {
		t.Fatalf("overdue status = %d (body: %s)", w.Code, w.Body.String())
	}
	mine = nil
	decodeInto(t, w, &mine)
	if len(mine) != 1 || !mine[0].Overdue {
		t.Errorf("overdue = %+v", mine)
	}

	// 9. 返却
	if w := env.do(http.MethodPost, "/api/loans/"+l.ID+"/return", librarian, ""); w.Code != http.StatusOK {
		t.Fatalf("return status = %d (body: %s)", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodPost, "/api/loans/"+l.ID+"/return", librarian, ""); w.Code != http.StatusConflict {
		t.Errorf("second return status = %d, want %d", w.Code, http.StatusConflict)
	}

	// 10. 返却後は削除できる
	if w := env.do(http.MethodDelete, "/api/books/"+book.ID, librarian, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if v := env.store.CheckAvailabilityInvariant(); len(v) != 0 {
		t.Errorf("invariant violations: %v", v)
	}

	// 11. 監査ログは新しい順に全操作を含む
	w = env.do(http.MethodGet, "/api/audit-logs", librarian, "")
	var logs auditPageResponse
	decodeInto(t, w, &logs)
	wantActions := []string{"BOOK_DELETED", "LOAN_RETURN", "LOAN_CHECKOUT", "BOOK_CREATED"}
	if len(logs.Entries) != len(wantActions) {
		t.Fatalf("audit entries = %+v", logs.Entries)
	}
	for i, a := range wantActions {
		if logs.Entries[i].Action != a {
			t.Errorf("entries[%d].action = %q, want %q", i, logs.Entries[i].Action, a)
		}
	}
}

func TestRouter_RoleChange_AppliesOnNextRequest(t *testing.T) {
	env := newRouterEnv(t)
	member := env.login(t, model.User{ID: "member-1", Email: "m@example.com", Role: model.RoleMember})
	admin := env.login(t, model.User{ID: "admin-1", Email: "a@example.com", Role: model.RoleAdmin})

	if w := env.do(http.MethodGet, "/api/loans", member, ""); w.Code != http.StatusForbidden {
		t.Fatalf("before: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w := env.do(http.MethodPut, "/api/users/member-1/role", admin, `{"role":"LIBRARIAN"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update role status = %d (body: %s)", w.Code, w.Body.String())
	}

	// 同じセッションのまま次のリクエストから新しいロールで判定される
	if w := env.do(http.MethodGet, "/api/loans", member, ""); w.Code != http.StatusOK {
		t.Errorf("after: status = %d, want %d", w.Code, http.StatusOK)
	}

	w = env.do(http.MethodGet, "/auth/me", member, "")
	var me meResponse
	decodeInto(t, w, &me)
	if me.Role != "LIBRARIAN" {
		t.Errorf("me.role = %q, want LIBRARIAN", me.Role)
	}
}

func TestRouter_InvalidRole_Returns400(t *testing.T) {
	env := newRouterEnv(t)
	env.login(t, model.User{ID: "member-1", Email: "m@example.com", Role: model.RoleMember})
	admin := env.login(t, model.User{ID: "admin-1", Email: "a@example.com", Role: model.RoleAdmin})

	w := env.do(http.MethodPut, "/api/users/member-1/role", admin, `{"role":"OWNER"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeInvalidRole {
		t.Errorf("code = %q, want %q", code, model.ErrCodeInvalidRole)
	}
}

func TestRouter_SuggestionsDisabled_Returns503(t *testing.T) {
	env := newRouterEnv(t)
	librarian := env.login(t, model.User{ID: "librarian-1", Email: "l@example.com", Role: model.RoleLibrarian})

	w := env.do(http.MethodGet, "/api/suggestions", librarian, "")
	var status map[string]bool
	decodeInto(t, w, &status)
	if status["enabled"] {
		t.Error("APIキー未設定時はenabled=false")
	}

	w = env.do(http.MethodPost, "/api/suggestions/description", librarian, `{"description":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_Dashboard(t *testing.T) {
	env := newRouterEnv(t)
	member := env.login(t, model.User{ID: "member-1", Email: "m@example.com", Role: model.RoleMember})
	librarian := env.login(t, model.User{ID: "librarian-1", Email: "l@example.com", Role: model.RoleLibrarian})
	env.store.AddBook(model.Book{ID: "b-1", Title: "Dune", Author: "Frank Herbert", Status: model.BookStatusAvailable})

	w := env.do(http.MethodGet, "/api/dashboard", librarian, "")
	var staff dashboardResponse
	decodeInto(t, w, &staff)
	if staff.Stats == nil || staff.Stats.TotalBooks != 1 {
		t.Errorf("staff stats = %+v", staff.Stats)
	}

	w = env.do(http.MethodGet, "/api/dashboard", member, "")
	var own dashboardResponse
	decodeInto(t, w, &own)
	if own.Stats != nil {
		t.Errorf("member stats = %+v, want nil", own.Stats)
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	env := newRouterEnv(t)

	w := env.do(http.MethodGet, "/health", "", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", w.Header().Get("X-Content-Type-Options"))
	}
}
