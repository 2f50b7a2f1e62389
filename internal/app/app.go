package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/libris/internal/audit"
	"github.com/hitoshi/libris/internal/auth"
	"github.com/hitoshi/libris/internal/catalog"
	"github.com/hitoshi/libris/internal/config"
	"github.com/hitoshi/libris/internal/database"
	"github.com/hitoshi/libris/internal/handler"
	"github.com/hitoshi/libris/internal/importer"
	"github.com/hitoshi/libris/internal/loan"
	"github.com/hitoshi/libris/internal/logger"
	"github.com/hitoshi/libris/internal/metrics"
	"github.com/hitoshi/libris/internal/middleware"
	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/rbac"
	"github.com/hitoshi/libris/internal/repository"
	"github.com/hitoshi/libris/internal/security"
	"github.com/hitoshi/libris/internal/seed"
	"github.com/hitoshi/libris/internal/suggest"
	"github.com/hitoshi/libris/internal/user"
	"github.com/hitoshi/libris/internal/worker/cleanup"
)

const (
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 5 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 30 * time.Second
	// suggestMaxResponseSize は文章提案APIのレスポンスサイズ上限。
	suggestMaxResponseSize int64 = 1 << 20
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envファイルの読み込み（既存の環境変数は上書きしない）
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("unknown log level, falling back to info", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// services はプロセス内で共有するサービス群。
type services struct {
	store    repository.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector
	gate     *rbac.Gate
	recorder *audit.Recorder
	guard    security.SSRFGuardService

	auth     *auth.Service
	catalog  *catalog.Service
	loans    *loan.Service
	users    *user.Service
	audit    *audit.Service
	suggest  *suggest.Service
	importer *importer.Service
}

// newServices はDB接続から全サービスをワイヤリングする。
// 文章提案はAPIキーが設定されている場合のみ有効になる。
func newServices(cfg *config.Config, db *sql.DB) *services {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	store := repository.NewPostgresStore(db)
	gate := rbac.NewGate(collector)
	recorder := audit.NewRecorder(nil)
	guard := security.NewSSRFGuard()

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})

	catalogService := catalog.NewService(store, gate, recorder, security.NewTextSanitizer(), collector, nil)

	var completer suggest.Completer
	if cfg.SuggestionsEnabled() {
		completer = suggest.NewOpenAIClient(
			guard.NewSafeClient(cfg.SuggestTimeout, suggestMaxResponseSize),
			slog.Default(),
			suggest.ClientConfig{
				APIKey:  cfg.OpenAIAPIKey,
				Model:   cfg.OpenAIModel,
				BaseURL: cfg.OpenAIBaseURL,
			},
		)
	}

	return &services{
		store:    store,
		registry: registry,
		metrics:  collector,
		gate:     gate,
		recorder: recorder,
		guard:    guard,

		auth: auth.NewService(
			oauthProvider, store, recorder, collector,
			auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge}, nil,
		),
		catalog: catalogService,
		loans:   loan.NewService(store, gate, recorder, collector, nil),
		users:   user.NewService(store, gate, recorder, collector, nil),
		audit:   audit.NewService(store, gate, time.UTC),
		suggest: suggest.NewService(completer, gate, collector, nil),
		importer: importer.NewService(catalogService, gate, guard, collector, slog.Default(), importer.Config{
			Timeout: cfg.ImportTimeout,
			MaxSize: cfg.ImportMaxSize,
		}),
	}
}

// newRouter はサービス群からHTTPルーターを構築する。
func newRouter(cfg *config.Config, svc *services, db handler.Pinger, rl *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Resolver:          svc.auth,
		Gate:              svc.gate,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rl,
		Logger:         slog.Default(),
		StatusRecorder: svc.metrics,

		AuthService: svc.auth,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: svc.auth.SessionMaxAge(),
		},

		CatalogService:    svc.catalog,
		LoanService:       svc.loans,
		UserService:       svc.users,
		AuditService:      svc.audit,
		SuggestionService: svc.suggest,

		DB:             db,
		MetricsHandler: metrics.Handler(svc.registry),
	})
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(cfg, db)
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSuggest))
	defer rl.Stop()

	slog.Info("suggestions",
		slog.Bool("enabled", svc.suggest.Enabled()),
		slog.String("model", cfg.OpenAIModel),
	)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(cfg, svc, db, rl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップを定期実行し、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions := repository.NewPostgresSessionRepo(db)
	job := cleanup.NewCleanupJob(sessions, slog.Default(), nil)

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.SessionCleanupInterval))
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runSeed は初期データを投入する。
func runSeed(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := repository.NewPostgresStore(db)
	if _, err := seed.NewSeeder(store, audit.NewRecorder(nil), nil).Run(ctx); err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	return nil
}

// runImportFeed はフィードから蔵書を取り込み、結果をoutに書き出す。
// 取り込みはactorEmailのユーザーの権限で実行され、監査ログにもそのユーザーが記録される。
func runImportFeed(ctx context.Context, cfg *config.Config, out io.Writer, feedURL, actorEmail string, limit int) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(cfg, db)
	actor, err := principalByEmail(ctx, svc.store, actorEmail)
	if err != nil {
		return err
	}

	result, err := svc.importer.Import(ctx, actor, feedURL, limit)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Fprintf(out, "feed: %s\nentries: %d\ncreated: %d\nduplicates: %d\ninvalid: %d\n",
		result.FeedURL, result.Entries, result.Created, result.Duplicates, result.Invalid)
	return nil
}

// principalByEmail はCLIから操作するユーザーを実行者として解決する。
func principalByEmail(ctx context.Context, store repository.Store, email string) (*model.Principal, error) {
	u, err := store.Repos().Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s: %w", email, err)
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found: %w", email, model.NewUserNotFoundError())
	}
	return &model.Principal{
		UserID: u.ID,
		Name:   u.Name,
		Email:  u.Email,
		Role:   u.Role,
	}, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
