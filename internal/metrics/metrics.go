package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry       *prometheus.Registry
	linesPublished *prometheus.CounterVec
	linesDropped   *prometheus.CounterVec
	alertsEmitted  *prometheus.CounterVec
	alertsRouted   prometheus.Counter
	actions        *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	blockCommands  *prometheus.CounterVec
	malformed      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		linesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "tailer_lines_published_total",
			Help:      "Log lines published to raw_logs",
		}, []string{"source"}),
		linesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "tailer_lines_dropped_total",
			Help:      "Log lines dropped after a failed publish retry",
		}, []string{"source"}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "detector_alerts_total",
			Help:      "Alerts published by detectors",
		}, []string{"detector", "severity"}),
		alertsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "router_alerts_total",
			Help:      "Alerts forwarded as decision requests",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "actions_total",
			Help:      "Actions seen per component and dedup outcome",
		}, []string{"component", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "decisions_total",
			Help:      "Actions produced by the decision service",
		}, []string{"action"}),
		blockCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "responder_block_commands_total",
			Help:      "Block commands executed by exit status",
		}, []string{"exit_status"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwarden",
			Name:      "malformed_messages_total",
			Help:      "Messages discarded because they could not be parsed",
		}, []string{"component"}),
	}
	registry.MustRegister(
		m.linesPublished,
		m.linesDropped,
		m.alertsEmitted,
		m.alertsRouted,
		m.actions,
		m.decisions,
		m.blockCommands,
		m.malformed,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LinePublished(source string) {
	if m != nil {
		m.linesPublished.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) LineDropped(source string) {
	if m != nil {
		m.linesDropped.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) AlertEmitted(detector, severity string) {
	if m != nil {
		m.alertsEmitted.WithLabelValues(detector, severity).Inc()
	}
}

func (m *Metrics) AlertRouted() {
	if m != nil {
		m.alertsRouted.Inc()
	}
}

func (m *Metrics) ActionOutcome(component, outcome string) {
	if m != nil {
		m.actions.WithLabelValues(component, outcome).Inc()
	}
}

func (m *Metrics) Decision(action string) {
	if m != nil {
		m.decisions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) BlockExecuted(exitStatus int) {
	if m != nil {
		m.blockCommands.WithLabelValues(strconv.Itoa(exitStatus)).Inc()
	}
}

func (m *Metrics) Malformed(component string) {
	if m != nil {
		m.malformed.WithLabelValues(component).Inc()
	}
}
