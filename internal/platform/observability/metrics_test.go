package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	domain "github.com/shopvn/orderflow/internal/domain"
	"github.com/shopvn/orderflow/internal/services"
)

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	m := NewMetrics("test")
	router := chi.NewRouter()
	router.Use(m.Middleware)
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/orders/{orderID}", "404"))
	if got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}
}

func TestMetricsObserveReconciliation(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveReconciliation(services.Reconciliation{
		Payment:  services.Payment{Status: domain.PaymentStateSuccess},
		Outcome:  services.MaterializationCreated,
		Attempts: 2,
	})
	m.ObserveReconciliation(services.Reconciliation{
		Payment:  services.Payment{Status: domain.PaymentStateSuccess},
		Replayed: true,
	})

	if got := testutil.ToFloat64(m.paymentResults.WithLabelValues("SUCCESS", "false")); got != 1 {
		t.Fatalf("expected one fresh success, got %v", got)
	}
	if got := testutil.ToFloat64(m.paymentResults.WithLabelValues("SUCCESS", "true")); got != 1 {
		t.Fatalf("expected one replay, got %v", got)
	}
	if got := testutil.ToFloat64(m.materializations.WithLabelValues("created")); got != 1 {
		t.Fatalf("expected replay to skip materialization count, got %v", got)
	}
}

func TestMetricsObserveSweepAndExpose(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveSweep(services.SweepResult{Job: "auto_confirm", Scanned: 3, Advanced: 2, Failed: 1})
	m.ObserveSweep(services.SweepResult{Job: "auto_confirm", Err: errors.New("store down")})

	if got := testutil.ToFloat64(m.sweepAdvanced.WithLabelValues("auto_confirm")); got != 2 {
		t.Fatalf("expected 2 advanced, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweeps.WithLabelValues("auto_confirm", "error")); got != 1 {
		t.Fatalf("expected one failed sweep, got %v", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "test_scheduler_orders_advanced_total") {
		t.Fatalf("expected scheduler metric in exposition")
	}
}
