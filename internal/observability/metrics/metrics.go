// Package metrics exports tick, fetch and delivery counters in Prometheus
// format and serves them over an optional, token-guarded HTTP listener.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"oxdaily/internal/eventbus"
	"oxdaily/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oxdaily"

type Metrics struct {
	reg *prometheus.Registry

	TicksTotal       *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	LastTick         prometheus.Gauge
	NextRun          prometheus.Gauge
	ItemsFetched     *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	ProcessorErrors  *prometheus.CounterVec
	ItemsDelivered   prometheus.Counter
	DeliveryAttempts *prometheus.CounterVec
	DeliveryOutcomes *prometheus.CounterVec
	ConfigChanges    prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	f := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.TicksTotal = counterVec(f, "tick", "total", "Ticks run, by outcome (delivered, failed, skipped).", "outcome")
	m.TickDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tick",
		Name:      "duration_seconds",
		Help:      "Wall time of one fetch-process-deliver tick.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	m.LastTick = gauge(f, "tick", "last_end_timestamp_seconds", "Unix time the last tick finished.")
	m.NextRun = gauge(f, "schedule", "next_run_timestamp_seconds", "Unix time of the next scheduled tick.")
	m.ItemsFetched = counterVec(f, "source", "items_fetched_total", "Items returned by each source.", "source")
	m.SourceErrors = counterVec(f, "source", "errors_total", "Failed fetches per source.", "source")
	m.ItemsProcessed = counterVec(f, "processor", "items_out_total", "Items remaining after each processor.", "processor")
	m.ProcessorErrors = counterVec(f, "processor", "errors_total", "Failed processor calls.", "processor")
	m.ItemsDelivered = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "items_total",
		Help:      "Items included in successfully delivered digests.",
	})
	m.DeliveryAttempts = counterVec(f, "delivery", "attempts_total", "Webhook POST attempts by HTTP status (0 on network error).", "code")
	m.DeliveryOutcomes = counterVec(f, "delivery", "outcomes_total", "Final delivery results by status.", "status")
	m.ConfigChanges = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "config",
		Name:      "changes_total",
		Help:      "Accepted configuration changes.",
	})
	return m
}

func counterVec(f promauto.Factory, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(f promauto.Factory, subsystem, name, help string) prometheus.Gauge {
	return f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRun records one finished tick.
func (m *Metrics) ObserveRun(r pipeline.RunResult) {
	m.TicksTotal.WithLabelValues(r.Outcome()).Inc()
	if d := r.Duration(); d > 0 {
		m.TickDuration.Observe(d.Seconds())
	}
	if !r.End.IsZero() {
		m.LastTick.Set(float64(r.End.Unix()))
	}
	for _, s := range r.Sources {
		m.ItemsFetched.WithLabelValues(s.Name).Add(float64(s.Items))
		if s.Err != "" {
			m.SourceErrors.WithLabelValues(s.Name).Inc()
		}
	}
	for _, p := range r.Processors {
		m.ItemsProcessed.WithLabelValues(p.Name).Add(float64(p.Items))
		if p.Err != "" {
			m.ProcessorErrors.WithLabelValues(p.Name).Inc()
		}
	}
	if r.Delivery != nil {
		m.DeliveryOutcomes.WithLabelValues(r.Delivery.Status).Inc()
		if r.Delivery.OK() {
			m.ItemsDelivered.Add(float64(r.Items))
		}
	}
}

// ObserveAttempt matches delivery.AttemptHook.
func (m *Metrics) ObserveAttempt(_ int, code int, _ error) {
	m.DeliveryAttempts.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetNextRun(t time.Time) {
	m.NextRun.Set(float64(t.Unix()))
}

// Consume feeds bus events into the collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64, eventbus.TickCompleted, eventbus.ConfigChanged)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TickCompleted:
				if r, ok := ev.Data.(pipeline.RunResult); ok {
					m.ObserveRun(r)
				}
			case eventbus.ConfigChanged:
				m.ConfigChanges.Inc()
			}
		}
	}
}
