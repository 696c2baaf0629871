package jobmetrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, registry *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	require.NoError(t, m.Track("ledger_integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger_integrity").End(boom), boom)

	body := scrape(t, registry)
	require.Contains(t, body, `stockledger_jobs_total{job="ledger_integrity",status="success"} 1`)
	require.Contains(t, body, `stockledger_jobs_total{job="ledger_integrity",status="failure"} 1`)
	require.Contains(t, body, `stockledger_jobs_failures_total{job="ledger_integrity"} 1`)
}

func TestDiscrepancyCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.AddDiscrepancies("running_balance", 2)
	m.AddDiscrepancies("running_balance", 0)
	m.AddReconciled("completed", 3)

	body := scrape(t, registry)
	require.Contains(t, body, `stockledger_ledger_discrepancies_total{kind="running_balance"} 2`)
	require.Contains(t, body, `stockledger_transfers_reconciled_total{outcome="completed"} 3`)

	var nilMetrics *Metrics
	nilMetrics.AddDiscrepancies("x", 1)
	require.NoError(t, nilMetrics.Track("noop").End(nil))
}
