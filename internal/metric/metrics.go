package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/vlab/internal/experiment"
	"github.com/g960059/vlab/internal/scpi"
)

const namespace = "vlab"

// Metrics holds every server metric on its own Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsEvicted   *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	CommandErrors     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Open client connections per instrument port",
			},
			[]string{"port"},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted client connections per instrument port",
			},
			[]string{"port"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Live client sessions",
			},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions created since start",
			},
		),
		SessionsEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_evicted_total",
				Help:      "Sessions evicted, by reason (idle, disconnect, shutdown)",
			},
			[]string{"reason"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Dispatched protocol lines per port (status=ok|error)",
			},
			[]string{"port", "status"},
		),
		CommandErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_errors_total",
				Help:      "Failed sub-commands by error kind",
			},
			[]string{"kind"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one protocol line, session lock included",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"port"},
		),
	}
	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.SessionsActive,
		m.SessionsCreated,
		m.SessionsEvicted,
		m.Commands,
		m.CommandErrors,
		m.DispatchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ConnectionOpened(port int) {
	p := strconv.Itoa(port)
	m.ConnectionsTotal.WithLabelValues(p).Inc()
	m.ConnectionsActive.WithLabelValues(p).Inc()
}

func (m *Metrics) ConnectionClosed(port int) {
	m.ConnectionsActive.WithLabelValues(strconv.Itoa(port)).Dec()
}

// RecordDispatch accounts one dispatched line and each of its failures.
func (m *Metrics) RecordDispatch(port int, d time.Duration, failures []error) {
	p := strconv.Itoa(port)
	status := "ok"
	if len(failures) > 0 {
		status = "error"
	}
	m.Commands.WithLabelValues(p, status).Inc()
	m.DispatchDuration.WithLabelValues(p).Observe(d.Seconds())
	for _, err := range failures {
		m.CommandErrors.WithLabelValues(ErrorKind(err)).Inc()
	}
}

func (m *Metrics) SessionCreated(*experiment.Session) {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEvicted(_ *experiment.Session, reason string) {
	m.SessionsActive.Dec()
	m.SessionsEvicted.WithLabelValues(reason).Inc()
}

// ErrorKind buckets an error into a low-cardinality label value.
func ErrorKind(err error) string {
	code := scpi.CodeOf(err)
	switch {
	case code == scpi.CodeSyntaxError:
		return "parse"
	case code == scpi.CodeUndefinedHeader:
		return "unknown_command"
	case code.IsCommandError() || code == scpi.CodeSettingsConflict ||
		code == scpi.CodeDataOutOfRange || code == scpi.CodeIllegalParameterValue:
		return "validation"
	}
	return "execution"
}
