package sshmux

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sshmux"

// Metrics holds the collectors updated by a Server.
type Metrics struct {
	connectionsActive prometheus.Gauge
	channelsTotal     *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	execDuration      prometheus.Histogram
	execExitTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses a fresh private registry, so several servers can live in one process.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of authenticated connections currently served",
		}),
		channelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channels_total",
			Help:      "Inbound channels by type and dispatch result",
		}, []string{"type", "result"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Session channel requests by type and result",
		}, []string{"type", "result"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "exec_duration_seconds",
			Help:      "Duration of exec exchanges",
			Buckets:   prometheus.DefBuckets,
		}),
		execExitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exec_exit_total",
			Help:      "Completed exec exchanges by exit code or signal",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{
		m.connectionsActive, m.channelsTotal, m.requestsTotal, m.execDuration, m.execExitTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectionOpened() {
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	m.connectionsActive.Dec()
}

// Peer supplied type names are folded into "other" to bound label cardinality.
func (m *Metrics) channel(t ChannelType, result string) {
	label := "other"
	switch t {
	case ChannelSession, ChannelDirectTCPIP, ChannelForwardedTCPIP:
		label = string(t)
	}
	m.channelsTotal.WithLabelValues(label, result).Inc()
}

func (m *Metrics) request(reqType string, result string) {
	label := "other"
	switch reqType {
	case execRequestType, subsystemRequestType, envRequestType, signalRequestType,
		"pty-req", "shell", "window-change", "x11-req":
		label = reqType
	}
	m.requestsTotal.WithLabelValues(label, result).Inc()
}

func (m *Metrics) execFinished(status ExitStatus, took time.Duration) {
	m.execDuration.Observe(took.Seconds())
	label := strconv.Itoa(status.Code)
	if status.Signal != "" {
		label = "SIG" + status.Signal
	}
	m.execExitTotal.WithLabelValues(label).Inc()
}
