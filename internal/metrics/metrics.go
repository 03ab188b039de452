// internal/metrics/metrics.go
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"starsync/internal/model"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequests  *prometheus.CounterVec
	SyncOperations   *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	BytesTransferred prometheus.Counter
	ActiveSyncs      prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// New builds the collector set and registers it together with the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "starsync_webhook_requests_total",
			Help: "Webhook deliveries received, by event type and admission outcome.",
		}, []string{"event", "outcome"}),
		SyncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "starsync_sync_operations_total",
			Help: "Finished sync attempts, by resulting status.",
		}, []string{"status"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "starsync_sync_duration_seconds",
			Help:    "Wall time of successful transfers.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "starsync_bytes_transferred_total",
			Help: "Bytes moved into the destination by completed transfers.",
		}),
		ActiveSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starsync_active_syncs",
			Help: "Sync runs currently executing on a worker.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starsync_queue_depth",
			Help: "Records waiting in the sync queue.",
		}),
	}

	reg.MustRegister(
		m.WebhookRequests,
		m.SyncOperations,
		m.SyncDuration,
		m.BytesTransferred,
		m.ActiveSyncs,
		m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusCounter reports how many repositories sit in each sync status.
type StatusCounter interface {
	CountRepositoriesByStatus(ctx context.Context) (map[model.SyncStatus]int64, error)
}

// WatchRepositories registers a collector that reads the per-status repository
// counts from the store on every scrape, so the gauge is never stale.
func (m *Metrics) WatchRepositories(counts StatusCounter) {
	m.registry.MustRegister(&repositoryCollector{counts: counts})
}

var repositoriesDesc = prometheus.NewDesc(
	"starsync_repositories",
	"Tracked repositories, by sync status.",
	[]string{"status"}, nil,
)

type repositoryCollector struct {
	counts StatusCounter
}

func (c *repositoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- repositoriesDesc
}

func (c *repositoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.counts.CountRepositoriesByStatus(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(repositoriesDesc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(repositoriesDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
