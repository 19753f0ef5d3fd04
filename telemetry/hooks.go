// Package telemetry defines the observability hooks of the sync engine and
// ships a no-op and a Prometheus implementation, plus slog logger setup.
package telemetry

import (
	"time"
)

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to Prometheus, StatsD or custom
// analytics platforms.
type MetricsCollector interface {
	// ConnectionOpened is called when a socket session reaches OPEN.
	ConnectionOpened(endpoint string)

	// ConnectionClosed is called when an open socket drops or is closed, with
	// how long it stayed open.
	ConnectionClosed(endpoint string, duration time.Duration)

	// ConnectionError is called for every transport-level failure.
	ConnectionError(endpoint string, err error)

	// ReconnectScheduled is called each time a retry is queued.
	ReconnectScheduled(endpoint string, attempt int)

	// ConnectionFailed is called once when a session gives up.
	ConnectionFailed(endpoint string)

	// RequestCompleted tracks correlated socket requests.
	RequestCompleted(command string, duration time.Duration, err error)

	// EventDispatched tracks change events fanned out to listeners.
	EventDispatched(changeType string, listeners int)

	// StrategyFallback is called when a channel permanently leaves a transport.
	StrategyFallback(from string, to string)

	// CacheSize reports the number of cached messages of a channel.
	CacheSize(channel string, size int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(endpoint string) {}

func (n *noopMetrics) ConnectionClosed(endpoint string, duration time.Duration) {}

func (n *noopMetrics) ConnectionError(endpoint string, err error) {}

func (n *noopMetrics) ReconnectScheduled(endpoint string, attempt int) {}

func (n *noopMetrics) ConnectionFailed(endpoint string) {}

func (n *noopMetrics) RequestCompleted(command string, duration time.Duration, err error) {}

func (n *noopMetrics) EventDispatched(changeType string, listeners int) {}

func (n *noopMetrics) StrategyFallback(from string, to string) {}

func (n *noopMetrics) CacheSize(channel string, size int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all metrics.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}

// OrNoop returns m, or the no-op collector when m is nil.
func OrNoop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return NoopMetrics()
	}
	return m
}
