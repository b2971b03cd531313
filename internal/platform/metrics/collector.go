package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phrazzld/shelf/internal/queue"
)

// Namespace prefixes every metric exported by this package.
const Namespace = "shelf"

// DefaultScrapeTimeout bounds the Stats call made for each queue per scrape.
const DefaultScrapeTimeout = 5 * time.Second

// StatsSource reports per-status counts for a queue. Every queue.Backend
// satisfies it.
type StatsSource interface {
	Name() string
	Stats(ctx context.Context, name string) (queue.Stats, error)
}

// Collector publishes job counts for registered queues as gauges. Counts are
// read from the source on every scrape, so they are never stale.
type Collector struct {
	source  StatsSource
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queues map[string]struct{}

	jobs        *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewCollector creates a Collector reading from source.
func NewCollector(source StatsSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:  source,
		logger:  logger.With("component", "metrics_collector"),
		timeout: DefaultScrapeTimeout,
		queues:  make(map[string]struct{}),
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "queue", "jobs"),
			"Number of stored jobs by queue and status.",
			[]string{"backend", "queue", "status"}, nil,
		),
		scrapeError: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "queue", "scrape_error"),
			"1 if reading the queue stats failed during the last scrape.",
			[]string{"backend", "queue"}, nil,
		),
	}
}

// Register adds queue to the set reported on each scrape.
func (c *Collector) Register(queue string) {
	c.mu.Lock()
	c.queues[queue] = struct{}{}
	c.mu.Unlock()
}

// Queues returns the registered queue names in sorted order.
func (c *Collector) Queues() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	backend := c.source.Name()

	for _, name := range c.Queues() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		stats, err := c.source.Stats(ctx, name)
		cancel()

		if err != nil {
			c.logger.Warn("failed to read queue stats", "queue", name, "error", err)
			ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 1, backend, name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 0, backend, name)

		for _, s := range []struct {
			status queue.Status
			n      int64
		}{
			{queue.StatusPending, stats.Pending},
			{queue.StatusPendingRetry, stats.PendingRetry},
			{queue.StatusRunning, stats.Running},
			{queue.StatusFailed, stats.Failed},
		} {
			ch <- prometheus.MustNewConstMetric(
				c.jobs, prometheus.GaugeValue, float64(s.n), backend, name, string(s.status),
			)
		}
	}
}
