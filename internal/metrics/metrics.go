package metrics

type Counter interface {
	Inc()
}

// LabeledCounter fans a counter out by a single label value.
type LabeledCounter interface {
	With(label string) Counter
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	EntryFailed     Counter
	ExitFailed      Counter
	PositionsOpened Counter
	PositionsClosed Counter
	WatcherTicks    Counter
	WatcherErrors   Counter
	// WatcherResults is labeled by result action.
	WatcherResults LabeledCounter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func (n noopCounter) With(string) Counter { return n }

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		EntryFailed:     n,
		ExitFailed:      n,
		PositionsOpened: n,
		PositionsClosed: n,
		WatcherTicks:    n,
		WatcherErrors:   n,
		WatcherResults:  n,
	}
}

// OrDefault lets callers accept a nil *Metrics.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
