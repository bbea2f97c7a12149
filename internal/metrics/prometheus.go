package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_funding_arb"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	entryFailed     prometheus.Counter
	exitFailed      prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	watcherTicks    prometheus.Counter
	watcherErrors   prometheus.Counter
	watcherResults  *prometheus.CounterVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:        registry,
		ordersPlaced:    newCounter("orders_placed_total", "Total number of orders accepted by the venue."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of order placement failures."),
		entryFailed:     newCounter("entry_failed_total", "Total number of entry flow failures."),
		exitFailed:      newCounter("exit_failed_total", "Total number of exit flow failures."),
		positionsOpened: newCounter("positions_opened_total", "Total number of funding positions opened."),
		positionsClosed: newCounter("positions_closed_total", "Total number of funding positions closed."),
		watcherTicks:    newCounter("watcher_ticks_total", "Total number of watcher ticks."),
		watcherErrors:   newCounter("watcher_errors_total", "Total number of per-instrument watcher errors."),
		watcherResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "watcher_results_total",
			Help:      "Watcher results by action.",
		}, []string{"action"}),
	}

	registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.entryFailed, p.exitFailed,
		p.positionsOpened, p.positionsClosed, p.watcherTicks, p.watcherErrors, p.watcherResults,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:    promCounter{p.ordersPlaced},
		OrdersFailed:    promCounter{p.ordersFailed},
		EntryFailed:     promCounter{p.entryFailed},
		ExitFailed:      promCounter{p.exitFailed},
		PositionsOpened: promCounter{p.positionsOpened},
		PositionsClosed: promCounter{p.positionsClosed},
		WatcherTicks:    promCounter{p.watcherTicks},
		WatcherErrors:   promCounter{p.watcherErrors},
		WatcherResults:  promCounterVec{p.watcherResults},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
