package socket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateOpen         State = "OPEN"
	StateClosing      State = "CLOSING"
	StateClosed       State = "CLOSED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// Control frames are plain text, never JSON.
const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// StateHandler observes session state transitions.
type StateHandler func(state State)

// PushHandler observes unsolicited server pushes.
type PushHandler func(push Push)

// Config holds the timing and sizing of a Session.
type Config struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxMissedPings       int           `yaml:"max_missed_pings"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MaxPendingRequests   int           `yaml:"max_pending_requests"`
}

// DefaultConfig returns the production timings: 4s connect timeout, fixed 5s
// reconnect interval with 10 retries, 30s heartbeat failing after 3 missed
// pongs and a 60s request safety net.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:       4 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		MaxMissedPings:       3,
		RequestTimeout:       60 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxPendingRequests:   1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	cfg := *c
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaults.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = defaults.MaxMissedPings
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxPendingRequests <= 0 {
		cfg.MaxPendingRequests = defaults.MaxPendingRequests
	}
	return &cfg
}

// Conn is the slice of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a physical connection to endpoint. The context carries the
// connect timeout.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// WebSocketDialer dials with gorilla/websocket, sending header on the upgrade.
func WebSocketDialer(header http.Header) Dialer {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultConfig().ConnectTimeout,
	}
	return func(ctx context.Context, endpoint string) (Conn, error) {
		conn, _, err := dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
