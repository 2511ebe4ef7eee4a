package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCountersAreExposed(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Sales.WithLabelValues("created").Inc()
	m.Conflicts.WithLabelValues("create_sale", "OutOfStock").Add(2)
	m.ObserveRequest(http.MethodPost, http.StatusCreated, time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`tokoledger_sales_total{outcome="created"} 1`,
		`tokoledger_conflicts_total{operation="create_sale",reason="OutOfStock"} 2`,
		"tokoledger_http_request_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in exposition", want)
		}
	}
}
