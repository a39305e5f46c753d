// Package metrics holds the prometheus instrumentation for the queue engine:
// processed/failed counters, claim latency, and a collector that samples
// queue depth from the store at scrape time.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/caseq/caseq/internal/store"
)

// Metrics bundles the instruments updated by the worker pool and the relay.
type Metrics struct {
	jobsCompleted   *prometheus.CounterVec
	jobsFailed      *prometheus.CounterVec
	outboxCompleted *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	claimLatency    *prometheus.HistogramVec
	claimBatchSize  *prometheus.HistogramVec
}

// New creates the instruments and registers them (plus the depth collector)
// on reg.
func New(reg prometheus.Registerer, st *store.Store) *Metrics {
	m := &Metrics{
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseq_jobs_completed_total",
			Help: "Jobs completed successfully, by kind.",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseq_jobs_failed_total",
			Help: "Job handler failures (retried or dead-lettered), by kind.",
		}, []string{"kind"}),
		outboxCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseq_outbox_completed_total",
			Help: "Outbox messages dispatched successfully, by channel.",
		}, []string{"channel"}),
		outboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseq_outbox_failed_total",
			Help: "Outbox dispatch failures (retried or dead-lettered), by channel.",
		}, []string{"channel"}),
		claimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseq_claim_duration_seconds",
			Help:    "Duration of Claim calls, by kind or channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope"}),
		claimBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseq_claim_batch_size",
			Help:    "Number of items returned per Claim call, by kind or channel.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}, []string{"scope"}),
	}
	reg.MustRegister(
		m.jobsCompleted, m.jobsFailed,
		m.outboxCompleted, m.outboxFailed,
		m.claimLatency, m.claimBatchSize,
		newDepthCollector(st),
	)
	return m
}

// ObserveClaim records one Claim call for a job kind or outbox channel.
func (m *Metrics) ObserveClaim(scope string, d time.Duration, batch int) {
	m.claimLatency.WithLabelValues(scope).Observe(d.Seconds())
	m.claimBatchSize.WithLabelValues(scope).Observe(float64(batch))
}

func (m *Metrics) JobCompleted(kind string)       { m.jobsCompleted.WithLabelValues(kind).Inc() }
func (m *Metrics) JobFailed(kind string)          { m.jobsFailed.WithLabelValues(kind).Inc() }
func (m *Metrics) OutboxCompleted(channel string) { m.outboxCompleted.WithLabelValues(channel).Inc() }
func (m *Metrics) OutboxFailed(channel string)    { m.outboxFailed.WithLabelValues(channel).Inc() }

// depthCollector samples queue depth at scrape time instead of keeping
// counters in worker memory — the store is the single source of truth, so
// gauges derived from it survive worker crashes and restarts.
type depthCollector struct {
	st          *store.Store
	jobsDesc    *prometheus.Desc
	outboxDesc  *prometheus.Desc
	oldestDesc  *prometheus.Desc
	scrapeErrs  prometheus.Counter
	statsWindow time.Duration
}

func newDepthCollector(st *store.Store) *depthCollector {
	return &depthCollector{
		st: st,
		jobsDesc: prometheus.NewDesc("caseq_jobs",
			"Current job count by kind and status.", []string{"kind", "status"}, nil),
		outboxDesc: prometheus.NewDesc("caseq_outbox_messages",
			"Current outbox message count by channel and status.", []string{"channel", "status"}, nil),
		oldestDesc: prometheus.NewDesc("caseq_oldest_pending_age_seconds",
			"Age of the oldest pending job.", nil, nil),
		scrapeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseq_depth_scrape_errors_total",
			Help: "Failed depth samples during /metrics scrapes.",
		}),
		statsWindow: time.Hour,
	}
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
	ch <- c.outboxDesc
	ch <- c.oldestDesc
	c.scrapeErrs.Describe(ch)
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stats, err := c.st.GetQueueStats(ctx, c.statsWindow)
	if err != nil {
		c.scrapeErrs.Inc()
		c.scrapeErrs.Collect(ch)
		return
	}
	for _, kc := range stats.Jobs {
		kind := string(kc.Kind)
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(kc.Pending), kind, "pending")
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(kc.Processing), kind, "processing")
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(kc.DeadLetter), kind, "dead_letter")
	}
	for _, cc := range stats.Outbox {
		channel := string(cc.Channel)
		ch <- prometheus.MustNewConstMetric(c.outboxDesc, prometheus.GaugeValue,
			float64(cc.Pending), channel, "pending")
		ch <- prometheus.MustNewConstMetric(c.outboxDesc, prometheus.GaugeValue,
			float64(cc.Processing), channel, "processing")
		ch <- prometheus.MustNewConstMetric(c.outboxDesc, prometheus.GaugeValue,
			float64(cc.DeadLetter), channel, "dead_letter")
	}
	ch <- prometheus.MustNewConstMetric(c.oldestDesc, prometheus.GaugeValue,
		stats.OldestPendingAgeSeconds)
	c.scrapeErrs.Collect(ch)
}
