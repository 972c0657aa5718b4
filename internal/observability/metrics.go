package observability

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

// Metrics are the manager's counters, backed by a go-metrics registry.
type Metrics struct {
	registry metrics.Registry

	Submissions          metrics.Counter
	SubmissionsAbandoned metrics.Counter
	ItemsDispatched      metrics.Counter
	ItemsWithdrawn       metrics.Counter
	Results              metrics.Counter
	DuplicateResults     metrics.Counter
	UnknownResults       metrics.Counter
	MalformedMessages    metrics.Counter
	JobsCompleted        metrics.Counter
	PublishFailures      metrics.Counter
	WorkersRequested     metrics.Counter
	ActiveJobs           metrics.Gauge
}

// NewMetrics registers every counter on a fresh registry.
func NewMetrics() *Metrics {
	r := metrics.NewRegistry()
	return &Metrics{
		registry:             r,
		Submissions:          metrics.NewRegisteredCounter("submissions", r),
		SubmissionsAbandoned: metrics.NewRegisteredCounter("submissions_abandoned", r),
		ItemsDispatched:      metrics.NewRegisteredCounter("items_dispatched", r),
		ItemsWithdrawn:       metrics.NewRegisteredCounter("items_withdrawn", r),
		Results:              metrics.NewRegisteredCounter("results", r),
		DuplicateResults:     metrics.NewRegisteredCounter("results_duplicate", r),
		UnknownResults:       metrics.NewRegisteredCounter("results_unknown_job", r),
		MalformedMessages:    metrics.NewRegisteredCounter("messages_malformed", r),
		JobsCompleted:        metrics.NewRegisteredCounter("jobs_completed", r),
		PublishFailures:      metrics.NewRegisteredCounter("publish_failures", r),
		WorkersRequested:     metrics.NewRegisteredCounter("workers_requested", r),
		ActiveJobs:           metrics.NewRegisteredGauge("jobs_active", r),
	}
}

// WriteJSON writes the current values as a JSON object.
func (m *Metrics) WriteJSON(w io.Writer) {
	metrics.WriteJSONOnce(m.registry, w)
}

// Values returns counter and gauge values keyed by name.
func (m *Metrics) Values() map[string]int64 {
	out := make(map[string]int64)
	m.registry.Each(func(name string, v interface{}) {
		switch metric := v.(type) {
		case metrics.Counter:
			out[name] = metric.Count()
		case metrics.Gauge:
			out[name] = metric.Value()
		}
	})
	return out
}
