package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.EntryFailed.Inc()
	prom.Metrics.ExitFailed.Inc()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.WatcherTicks.Inc()
	prom.Metrics.WatcherTicks.Inc()
	prom.Metrics.WatcherErrors.Inc()
	prom.Metrics.WatcherResults.With("CLOSED").Inc()

	assertCounter(t, prom.ordersPlaced, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.entryFailed, 1)
	assertCounter(t, prom.exitFailed, 1)
	assertCounter(t, prom.positionsOpened, 1)
	assertCounter(t, prom.positionsClosed, 1)
	assertCounter(t, prom.watcherTicks, 2)
	assertCounter(t, prom.watcherErrors, 1)
	assertCounter(t, prom.watcherResults.WithLabelValues("CLOSED"), 1)
	assertCounter(t, prom.watcherResults.WithLabelValues("IDLE"), 0)
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hl_funding_arb_orders_placed_total 1") {
		t.Fatalf("expected orders counter in output, got %s", body)
	}
}

func TestNoopIsSafe(t *testing.T) {
	m := OrDefault(nil)
	m.OrdersPlaced.Inc()
	m.WatcherResults.With("ERROR").Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
