package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルのメトリクスを返す。見つからない場合はnil。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordCheckoutAndReturn(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCheckout()
	c.RecordCheckout()
	c.RecordReturn()

	if m := findMetric(t, reg, "libris_loan_checkouts_total", nil); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("libris_loan_checkouts_total = %v, want 2", m)
	}
	if m := findMetric(t, reg, "libris_loan_returns_total", nil); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("libris_loan_returns_total = %v, want 1", m)
	}
}

func TestRecordLoanConflict_LabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLoanConflict("ALREADY_BORROWED")
	c.RecordLoanConflict("ALREADY_BORROWED")
	c.RecordLoanConflict("NOT_FOUND_OR_ALREADY_RETURNED")

	m := findMetric(t, reg, "libris_loan_conflicts_total", map[string]string{"reason": "ALREADY_BORROWED"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("ALREADY_BORROWED conflicts = %v, want 2", m)
	}
}

func TestRecordAuthzDenied_LabelsByCapability(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthzDenied("manage_books")

	m := findMetric(t, reg, "libris_authz_denied_total", map[string]string{"capability": "manage_books"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("authz denied = %v, want 1", m)
	}
}

func TestRecordAuditEntry_LabelsByAction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuditEntry("LOAN_CHECKOUT")

	m := findMetric(t, reg, "libris_audit_entries_total", map[string]string{"action": "LOAN_CHECKOUT"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("audit entries = %v, want 1", m)
	}
}

func TestRecordSuggestion_CountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSuggestion("tags", 150*time.Millisecond, nil)
	c.RecordSuggestion("tags", 2*time.Second, errors.New("upstream 500"))

	hist := findMetric(t, reg, "libris_suggestion_latency_seconds", map[string]string{"kind": "tags"})
	if hist == nil || hist.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("latency sample count = %v, want 2", hist)
	}
	fail := findMetric(t, reg, "libris_suggestion_fail_total", map[string]string{"kind": "tags"})
	if fail == nil || fail.GetCounter().GetValue() != 1 {
		t.Errorf("suggestion failures = %v, want 1", fail)
	}
}

func TestRecordImport(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordImport(3, 2)

	if m := findMetric(t, reg, "libris_books_imported_total", nil); m == nil || m.GetCounter().GetValue() != 3 {
		t.Errorf("books imported = %v, want 3", m)
	}
	if m := findMetric(t, reg, "libris_import_skipped_total", nil); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("import skipped = %v, want 2", m)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別にカウントされることを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(409)

	if m := findMetric(t, reg, "libris_http_status_total", map[string]string{"status_code": "200"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("status 200 = %v, want 2", m)
	}
	if m := findMetric(t, reg, "libris_http_status_total", map[string]string{"status_code": "409"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("status 409 = %v, want 1", m)
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリ同士が干渉しないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordCheckout()

	if m := findMetric(t, reg2, "libris_loan_checkouts_total", nil); m != nil && m.GetCounter().GetValue() != 0 {
		t.Errorf("reg2 should be unaffected, got %v", m.GetCounter().GetValue())
	}
}
