package updater

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics publishes batch progress gauges to a Prometheus pushgateway.
// The process is short-lived, pull-based scraping is not an option.
type Metrics struct {
	pusher *push.Pusher

	registry *prometheus.Registry

	todoModules    prometheus.Gauge
	pendingModules prometheus.Gauge
	doneModules    prometheus.Gauge
	failedModules  prometheus.Gauge
}

// NewMetrics returns a Metrics reporter pushing to pushgatewayURL.
// An empty URL returns nil, disabling metrics.
func NewMetrics(pushgatewayURL string) *Metrics {
	if pushgatewayURL == "" {
		return nil
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		todoModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depsync_todo_modules",
			Help: "Number of modules still waiting for a dependency update.",
		}),
		pendingModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depsync_pending_modules",
			Help: "Number of modules with an update waiting in the review system.",
		}),
		doneModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depsync_done_modules",
			Help: "Number of modules whose manifest is final for the current batch.",
		}),
		failedModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "depsync_failed_modules",
			Help: "Number of modules whose update was given up on in the current batch.",
		}),
	}

	m.registry.MustRegister(m.todoModules, m.pendingModules, m.doneModules, m.failedModules)

	m.pusher = push.New(pushgatewayURL, "depsync").Gatherer(m.registry)

	return m
}

// Report sets the gauges and pushes them, grouped by product and branch.
func (m *Metrics) Report(ctx context.Context, product, branch string, todo, pending, done, failed int) error {
	m.todoModules.Set(float64(todo))
	m.pendingModules.Set(float64(pending))
	m.doneModules.Set(float64(done))
	m.failedModules.Set(float64(failed))

	return m.pusher.
		Grouping("product", product).
		Grouping("branch", branch).
		PushContext(ctx)
}
