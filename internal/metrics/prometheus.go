// Package metrics exposes LANWatch server metrics in Prometheus format and
// tracks report-session stability for the dashboard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

const namespace = "lanwatch"

// AgentCounter reports the number of registered agents.
type AgentCounter interface {
	Len() int
}

// Collector owns a private Prometheus registry with every server metric.
// All methods are safe for concurrent use; a nil *Collector is a no-op.
type Collector struct {
	registry *prometheus.Registry

	sessions         prometheus.Gauge
	reports          prometheus.Counter
	duplicateReports prometheus.Counter
	authFailures     *prometheus.CounterVec
	evictions        prometheus.Counter
	malformedFrames  prometheus.Counter
	discoveryReplies prometheus.Counter
	droppedEvents    *prometheus.CounterVec
	ingestLatency    prometheus.Histogram

	agentCPU  *prometheus.GaugeVec
	agentMem  *prometheus.GaugeVec
	agentDisk *prometheus.GaugeVec
}

// NewCollector creates a Collector. agents, if not nil, backs the
// lanwatch_agents gauge.
func NewCollector(agents AgentCounter) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open report sessions, authenticated or not.",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Metric reports applied to the registry.",
		}),
		duplicateReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_duplicate_total",
			Help:      "Metric reports identical to the stored one.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Agents evicted by the liveness sweep.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Sessions torn down because of a malformed frame.",
		}),
		discoveryReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_replies_total",
			Help:      "Discovery probes answered.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_dropped_events_total",
			Help:      "Registry events dropped because a subscriber was full.",
		}, []string{"consumer"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_ingest_seconds",
			Help:      "Time from frame read to registry update.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		agentCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_cpu_percent",
			Help:      "Last reported CPU utilisation per agent.",
		}, []string{"agent_id", "name"}),
		agentMem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_memory_percent",
			Help:      "Last reported memory utilisation per agent.",
		}, []string{"agent_id", "name"}),
		agentDisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_disk_percent",
			Help:      "Last reported disk utilisation per agent.",
		}, []string{"agent_id", "name"}),
	}

	c.registry.MustRegister(
		c.sessions, c.reports, c.duplicateReports, c.authFailures, c.evictions,
		c.malformedFrames, c.discoveryReplies, c.droppedEvents, c.ingestLatency,
		c.agentCPU, c.agentMem, c.agentDisk,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if agents != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents currently in the registry.",
		}, func() float64 { return float64(agents.Len()) }))
	}
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

// RecordReport records an applied report and refreshes the agent gauges.
func (c *Collector) RecordReport(name string, rep protocol.MetricReport, changed bool, took time.Duration) {
	if c == nil {
		return
	}
	c.ingestLatency.Observe(took.Seconds())
	if !changed {
		c.duplicateReports.Inc()
		return
	}
	c.reports.Inc()
	c.agentCPU.WithLabelValues(rep.AgentID, name).Set(rep.CPUPercent)
	c.agentMem.WithLabelValues(rep.AgentID, name).Set(rep.MemPercent)
	c.agentDisk.WithLabelValues(rep.AgentID, name).Set(rep.DiskPercent)
}

// ForgetAgent drops the per-agent series once an agent leaves the registry.
func (c *Collector) ForgetAgent(agentID string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"agent_id": agentID}
	c.agentCPU.DeletePartialMatch(labels)
	c.agentMem.DeletePartialMatch(labels)
	c.agentDisk.DeletePartialMatch(labels)
}

func (c *Collector) AuthFailed(reason string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) Evicted() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

func (c *Collector) MalformedFrame() {
	if c == nil {
		return
	}
	c.malformedFrames.Inc()
}

func (c *Collector) DiscoveryReplied() {
	if c == nil {
		return
	}
	c.discoveryReplies.Inc()
}

// EventsDropped adds n to the drop counter of a registry consumer.
func (c *Collector) EventsDropped(consumer string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.droppedEvents.WithLabelValues(consumer).Add(float64(n))
}
