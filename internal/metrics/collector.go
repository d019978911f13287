package metrics

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foxzi/rotasend/internal/store"
)

// StatsProvider returns aggregate statistics
type StatsProvider interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// StoreCollector reads persisted totals on every scrape, so the numbers
// cover all sessions and not only the one running in this process
type StoreCollector struct {
	provider StatsProvider
	timeout  time.Duration
	logger   *slog.Logger

	lists    *prometheus.Desc
	sessions *prometheus.Desc
	logged   *prometheus.Desc
	probes   *prometheus.Desc
	variants *prometheus.Desc
	up       *prometheus.Desc
}

// NewStoreCollector creates a collector over provider
func NewStoreCollector(provider StatsProvider, logger *slog.Logger) *StoreCollector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StoreCollector{
		provider: provider,
		timeout:  5 * time.Second,
		logger:   logger,
		lists: prometheus.NewDesc("rotasend_store_lists",
			"Number of registered recipient lists", nil, nil),
		sessions: prometheus.NewDesc("rotasend_store_sessions",
			"Number of dispatch sessions by status", []string{"status"}, nil),
		logged: prometheus.NewDesc("rotasend_store_dispatch_log_entries",
			"Number of dispatch log entries by outcome", []string{"status"}, nil),
		probes: prometheus.NewDesc("rotasend_store_probes",
			"Number of recorded probes", nil, nil),
		variants: prometheus.NewDesc("rotasend_store_active_variants",
			"Number of active content variants by kind", []string{"kind"}, nil),
		up: prometheus.NewDesc("rotasend_store_up",
			"Whether the last read of the store succeeded", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lists
	ch <- c.sessions
	ch <- c.logged
	ch <- c.probes
	ch <- c.variants
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.provider.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to read store statistics", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	ch <- prometheus.MustNewConstMetric(c.lists, prometheus.GaugeValue, float64(stats.Lists))
	for _, status := range []store.SessionStatus{
		store.StatusStarted, store.StatusRunning, store.StatusInterrupted,
		store.StatusCompleted, store.StatusFailed,
	} {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue,
			float64(stats.SessionsByStatus[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.logged, prometheus.GaugeValue, float64(stats.Succeeded), string(store.LogSuccess))
	ch <- prometheus.MustNewConstMetric(c.logged, prometheus.GaugeValue, float64(stats.Failed), string(store.LogFailed))
	ch <- prometheus.MustNewConstMetric(c.probes, prometheus.GaugeValue, float64(stats.Probes))
	ch <- prometheus.MustNewConstMetric(c.variants, prometheus.GaugeValue, float64(stats.ActiveTemplates), "template")
	ch <- prometheus.MustNewConstMetric(c.variants, prometheus.GaugeValue, float64(stats.ActiveSubjects), "subject")
	ch <- prometheus.MustNewConstMetric(c.variants, prometheus.GaugeValue, float64(stats.ActiveSenders), "sender")
}

// Register adds the collector to m's registry
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.registry.Register(c)
}
