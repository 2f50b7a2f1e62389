package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/rbac"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Resolver          middleware.PrincipalResolver
	Gate              *rbac.Gate
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 業務
	CatalogService    CatalogServiceInterface
	LoanService       LoanAPI
	UserService       UserAPI
	AuditService      AuditServiceInterface
	SuggestionService SuggestionServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// LoanAPI は貸出サービスに求める操作の全体。loan.Serviceが満たす。
type LoanAPI interface {
	LoanServiceInterface
	ActiveLoanFinder
	DashboardServiceInterface
}

// UserAPI はユーザーサービスに求める操作の全体。user.Serviceが満たす。
type UserAPI interface {
	UserServiceInterface
	BorrowerLister
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → CSRF → RateLimit(General) → RequireCapability
//
// OAuthフロー、ヘルスチェック、メトリクス、CSRFトークン取得はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	bookHandler := NewBookHandler(deps.CatalogService, deps.LoanService)
	loanHandler := NewLoanHandler(deps.LoanService, deps.UserService)
	userHandler := NewUserHandler(deps.UserService)
	auditHandler := NewAuditHandler(deps.AuditService)
	suggestHandler := NewSuggestHandler(deps.SuggestionService)
	dashboardHandler := NewDashboardHandler(deps.LoanService)

	require := func(c rbac.Capability) func(http.Handler) http.Handler {
		return middleware.RequireCapability(deps.Gate, c)
	}

	// --- 認証不要のルート ---
	if deps.DB != nil {
		r.Get("/health", NewHealthHandler(deps.DB))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.With(middleware.NewCSRFMiddleware(deps.CSRFConfig)).Post("/logout", authHandler.Logout)
		r.With(middleware.NewSessionMiddleware(deps.Resolver)).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Resolver))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/dashboard", dashboardHandler.Get)

		// 蔵書
		r.With(require(rbac.BrowseCatalog)).Get("/api/tags", bookHandler.ListTags)
		r.Route("/api/books", func(r chi.Router) {
			r.With(require(rbac.BrowseCatalog)).Get("/", bookHandler.ListBooks)
			r.With(require(rbac.ManageBooks)).Post("/", bookHandler.CreateBook)

			r.Route("/{id}", func(r chi.Router) {
				r.With(require(rbac.BrowseCatalog)).Get("/", bookHandler.GetBook)

				r.Group(func(r chi.Router) {
					r.Use(require(rbac.ManageBooks))
					r.Put("/", bookHandler.UpdateBook)
					r.Delete("/", bookHandler.DeleteBook)
					r.Put("/description", bookHandler.UpdateDescription)
					r.Put("/tags", bookHandler.UpdateTags)
				})
			})
		})

		// 文章提案（提案専用のレート制限を追加）
		r.Route("/api/suggestions", func(r chi.Router) {
			r.Use(require(rbac.UseSuggestions))
			r.Get("/", suggestHandler.Status)
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.SuggestionMiddleware())
				r.Post("/description", suggestHandler.ImproveDescription)
				r.Post("/tags", suggestHandler.SuggestTags)
			})
		})

		// 貸出
		r.Route("/api/loans", func(r chi.Router) {
			r.With(require(rbac.ViewOwnLoans)).Get("/mine", loanHandler.ListMine)

			r.Group(func(r chi.Router) {
				r.Use(require(rbac.ManageLoans))
				r.Get("/", loanHandler.ListActive)
				r.Post("/", loanHandler.Checkout)
				r.Post("/{id}/return", loanHandler.Return)
			})
		})
		r.With(require(rbac.ManageLoans)).Get("/api/borrowers", loanHandler.ListBorrowers)

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Use(require(rbac.ManageUsers))
			r.Get("/", userHandler.ListUsers)
			r.Put("/{id}/role", userHandler.UpdateRole)
		})

		// 監査ログ
		r.With(require(rbac.ViewAuditLog)).Get("/api/audit-logs", auditHandler.List)
	})

	return r
}
