// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とミドルウェアから利用する。
type MetricsCollector interface {
	RecordCheckout()
	RecordReturn()
	RecordLoanConflict(reason string)
	RecordAuthzDenied(capability string)
	RecordAuditEntry(action string)
	RecordSuggestion(kind string, duration time.Duration, err error)
	RecordImport(created, skipped int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkouts         prometheus.Counter
	returns           prometheus.Counter
	loanConflicts     *prometheus.CounterVec
	authzDenied       *prometheus.CounterVec
	auditEntries      *prometheus.CounterVec
	suggestionLatency *prometheus.HistogramVec
	suggestionFail    *prometheus.CounterVec
	booksImported     prometheus.Counter
	importSkipped     prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libris_loan_checkouts_total",
			Help: "貸出処理の成功数",
		}),
		returns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libris_loan_returns_total",
			Help: "返却処理の成功数",
		}),
		loanConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libris_loan_conflicts_total",
			Help: "競合または状態不整合により拒否された貸出・返却の数",
		}, []string{"reason"}),
		authzDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libris_authz_denied_total",
			Help: "権限不足で拒否された操作の数",
		}, []string{"capability"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libris_audit_entries_total",
			Help: "操作種別ごとの監査ログ追記数",
		}, []string{"action"}),
		suggestionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "libris_suggestion_latency_seconds",
			Help:    "文章提案サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		suggestionFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libris_suggestion_fail_total",
			Help: "文章提案サービス呼び出しの失敗数",
		}, []string{"kind"}),
		booksImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libris_books_imported_total",
			Help: "フィード取り込みで登録された蔵書の数",
		}),
		importSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libris_import_skipped_total",
			Help: "フィード取り込みでスキップされたエントリの数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libris_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.checkouts,
		c.returns,
		c.loanConflicts,
		c.authzDenied,
		c.auditEntries,
		c.suggestionLatency,
		c.suggestionFail,
		c.booksImported,
		c.importSkipped,
		c.httpStatus,
	)

	return c
}

// RecordCheckout は貸出成功を記録する。
func (c *Collector) RecordCheckout() {
	c.checkouts.Inc()
}

// RecordReturn は返却成功を記録する。
func (c *Collector) RecordReturn() {
	c.returns.Inc()
}

// RecordLoanConflict は拒否された貸出・返却を理由（エラーコード）別に記録する。
func (c *Collector) RecordLoanConflict(reason string) {
	c.loanConflicts.WithLabelValues(reason).Inc()
}

// RecordAuthzDenied は権限不足による拒否を記録する。
func (c *Collector) RecordAuthzDenied(capability string) {
	c.authzDenied.WithLabelValues(capability).Inc()
}

// RecordAuditEntry は監査ログの追記を記録する。
func (c *Collector) RecordAuditEntry(action string) {
	c.auditEntries.WithLabelValues(action).Inc()
}

// RecordSuggestion は文章提案サービスの呼び出し結果を記録する。
func (c *Collector) RecordSuggestion(kind string, duration time.Duration, err error) {
	c.suggestionLatency.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		c.suggestionFail.WithLabelValues(kind).Inc()
	}
}

// RecordImport はフィード取り込みの結果を記録する。
func (c *Collector) RecordImport(created, skipped int) {
	c.booksImported.Add(float64(created))
	c.importSkipped.Add(float64(skipped))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordCheckout() {}
func (Nop) RecordReturn() {}
func (Nop) RecordLoanConflict(string) {}
func (Nop) RecordAuthzDenied(string) {}
func (Nop) RecordAuditEntry(string) {}
func (Nop) RecordSuggestion(string, time.Duration, error) {}
func (Nop) RecordImport(int, int) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
