package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry without panicking.
func TestMetricsRegistered(t *testing.T) {
	expected := map[string]bool{
		"authcore_requests_total":               false,
		"authcore_request_duration_seconds":     false,
		"authcore_transactions_total":           false,
		"authcore_transaction_duration_seconds": false,
		"authcore_transaction_retries_total":    false,
		"authcore_storage_backend_info":         false,
		"authcore_storage_handles":              false,
		"authcore_totp_verifications_total":     false,
		"authcore_signing_keys_created_total":   false,
		"authcore_cron_runs_total":              false,
	}

	// Vectors only appear after first observation, so seed them.
	RequestsTotal.WithLabelValues("GET", "2xx", "test").Inc()
	RequestDuration.WithLabelValues("GET", "test").Observe(0.1)
	TransactionsTotal.WithLabelValues("sqlite", "committed").Inc()
	TransactionDuration.WithLabelValues("sqlite").Observe(0.01)
	TransactionRetriesTotal.WithLabelValues("sqlite").Inc()
	StorageBackendInfo.WithLabelValues("sqlite", "SQL").Set(1)
	TOTPVerificationsTotal.WithLabelValues("valid").Inc()
	CronRunsTotal.WithLabelValues("test", "ok").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

// TestMiddlewareRecordsRoute verifies that the middleware labels requests
// with the matched ServeMux pattern.
func TestMiddlewareRecordsRoute(t *testing.T) {
	const route = "POST /recipe/totp/verify"
	before := counterValue(t, RequestsTotal, "POST", "2xx", route)
	beforeDuration := histogramCount(t, RequestDuration, "POST", route)

	mux := http.NewServeMux()
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := MetricsMiddleware(mux)

	req := httptest.NewRequest("POST", "/recipe/totp/verify", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if delta := counterValue(t, RequestsTotal, "POST", "2xx", route) - before; delta != 1 {
		t.Errorf("expected request count to increase by 1, got delta=%f", delta)
	}
	if delta := histogramCount(t, RequestDuration, "POST", route) - beforeDuration; delta != 1 {
		t.Errorf("expected histogram sample count to increase by 1, got delta=%d", delta)
	}
}

// TestMiddlewareCapturesStatusCode verifies that non-200 status codes are
// captured correctly in the status label.
func TestMiddlewareCapturesStatusCode(t *testing.T) {
	before := counterValue(t, RequestsTotal, "POST", "4xx", "unknown")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest("POST", "/nowhere", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := counterValue(t, RequestsTotal, "POST", "4xx", "unknown")
	if after-before != 1 {
		t.Errorf("expected 4xx count to increase by 1, got delta=%f", after-before)
	}
}

func TestMiddlewareImplicitOK(t *testing.T) {
	before := counterValue(t, RequestsTotal, "GET", "2xx", "unknown")
	before5xx := counterValue(t, RequestsTotal, "GET", "5xx", "unknown")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/plain", nil))

	if delta := counterValue(t, RequestsTotal, "GET", "2xx", "unknown") - before; delta != 1 {
		t.Errorf("2xx delta = %v, want 1", delta)
	}
	if delta := counterValue(t, RequestsTotal, "GET", "5xx", "unknown") - before5xx; delta != 0 {
		t.Errorf("5xx delta = %v, want 0", delta)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{599, "5xx"},
		{0, "other"},
		{600, "other"},
	}
	for _, tt := range tests {
		if got := StatusClass(tt.code); got != tt.want {
			t.Errorf("StatusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
