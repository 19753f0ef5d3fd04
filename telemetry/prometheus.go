package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is a MetricsCollector backed by client_golang.
//
// Endpoint labels are bounded by the number of chat rooms a process joins;
// channel ids only appear on the cache size gauge.
type PrometheusMetrics struct {
	ConnectionsOpened  *prometheus.CounterVec
	ConnectionUptime   *prometheus.HistogramVec
	ConnectionErrors   *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	ConnectionFailures *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	EventsDispatched   *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	CachedMessages     *prometheus.GaugeVec
	Errors             *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ConnectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_socket_connections_opened_total",
			Help: "Socket sessions that reached the OPEN state.",
		}, []string{"endpoint"}),
		ConnectionUptime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arenachat_socket_connection_uptime_seconds",
			Help:    "How long a socket stayed open before it closed.",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}, []string{"endpoint"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_socket_connection_errors_total",
			Help: "Transport-level socket failures.",
		}, []string{"endpoint"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_socket_reconnects_total",
			Help: "Reconnect attempts scheduled.",
		}, []string{"endpoint"}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_socket_connection_failed_total",
			Help: "Sessions that exhausted their reconnect attempts.",
		}, []string{"endpoint"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arenachat_socket_request_duration_seconds",
			Help:    "Latency of correlated socket requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"command", "status"}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_events_dispatched_total",
			Help: "Change events fanned out to listeners.",
		}, []string{"change_type"}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_strategy_fallbacks_total",
			Help: "Permanent transport strategy switches.",
		}, []string{"from", "to"}),
		CachedMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arenachat_cached_messages",
			Help: "Messages held in a channel cache.",
		}, []string{"channel"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arenachat_errors_total",
			Help: "Errors by component.",
		}, []string{"component"}),
	}
}

func (p *PrometheusMetrics) ConnectionOpened(endpoint string) {
	p.ConnectionsOpened.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusMetrics) ConnectionClosed(endpoint string, duration time.Duration) {
	p.ConnectionUptime.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ConnectionError(endpoint string, err error) {
	p.ConnectionErrors.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusMetrics) ReconnectScheduled(endpoint string, attempt int) {
	p.Reconnects.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusMetrics) ConnectionFailed(endpoint string) {
	p.ConnectionFailures.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusMetrics) RequestCompleted(command string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.RequestDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) EventDispatched(changeType string, listeners int) {
	p.EventsDispatched.WithLabelValues(changeType).Inc()
}

func (p *PrometheusMetrics) StrategyFallback(from string, to string) {
	p.Fallbacks.WithLabelValues(from, to).Inc()
}

func (p *PrometheusMetrics) CacheSize(channel string, size int) {
	p.CachedMessages.WithLabelValues(channel).Set(float64(size))
}

func (p *PrometheusMetrics) Error(component string, err error) {
	p.Errors.WithLabelValues(component).Inc()
}
