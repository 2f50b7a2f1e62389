package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/libris/internal/model"
)

// StatusRecorder はレスポンスのステータスコードを記録する。metrics.MetricsCollectorが満たす。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestInfo はログ出力用に内側のミドルウェアが解決した実行者を受け取る。
// セッションミドルウェアはロギングミドルウェアより内側で動くため、コンテキスト経由で書き戻す。
type requestInfo struct {
	principal *model.Principal
}

var requestInfoContextKey = contextKey("request_info")

// annotateRequest はロギングミドルウェアが用意したrequestInfoに実行者を記録する。
func annotateRequest(ctx context.Context, p *model.Principal) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.principal = p
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_idとrole（認証済みの場合）を含む。
// statusesがnilでない場合はステータスコードを記録する。
func NewLoggingMiddleware(logger *slog.Logger, statuses StatusRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			info := &requestInfo{}
			ctx := context.WithValue(r.Context(), requestInfoContextKey, info)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// 実行者が解決済みの場合は追加
			p := info.principal
			if p == nil {
				p = PrincipalFromContext(r.Context())
			}
			if p != nil {
				args = append(args,
					slog.String("user_id", p.UserID),
					slog.String("role", string(p.Role)),
				)
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)

			if statuses != nil {
				statuses.RecordHTTPStatus(rec.statusCode)
			}
		})
	}
}
