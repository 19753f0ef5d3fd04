// Package socket implements the command-based realtime socket client: one
// Session per endpoint with connect timeout, heartbeat, fixed-interval
// reconnection, terminal failure and request/response correlation.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// Session owns one physical connection to an endpoint and is shared by every
// channel on it.
type Session struct {
	endpoint string
	config   *Config
	dial     Dialer
	logger   *slog.Logger
	metrics  telemetry.MetricsCollector
	requests *requestTable

	mu                sync.Mutex
	state             State
	conn              Conn
	connCancel        context.CancelFunc
	generation        uint64
	missedPings       int
	reconnectAttempts int
	reconnectTimer    *time.Timer
	openedAt          time.Time
	openCh            chan struct{}
	closing           bool
	offline           bool
	terminalErr       error

	writeMu sync.Mutex

	failed    chan struct{}
	failOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	subsMu    sync.RWMutex
	nextSubID int
	stateSubs []stateSubscriber
	pushSubs  []pushSubscriber

	// Pushes are handed from the read goroutine to dispatchPushes so a
	// handler that issues a request never blocks reading its reply.
	pushMu    sync.Mutex
	pushQueue []Push
	pushReady chan struct{}
}

type stateSubscriber struct {
	id      int
	handler StateHandler
}

type pushSubscriber struct {
	id      int
	handler PushHandler
}

// Option customizes a Session.
type Option func(*Session)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(dial Dialer) Option {
	return func(s *Session) {
		if dial != nil {
			s.dial = dial
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics telemetry.MetricsCollector) Option {
	return func(s *Session) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewSession creates a session for endpoint in the CLOSED state. Nothing is
// dialed until Connect or the first Send.
func NewSession(endpoint string, config *Config, opts ...Option) (*Session, error) {
	normalized, err := NormalizeEndpoint(endpoint, nil)
	if err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	s := &Session{
		endpoint:  normalized,
		config:    cfg,
		dial:      WebSocketDialer(nil),
		logger:    telemetry.DiscardLogger(),
		metrics:   telemetry.NoopMetrics(),
		requests:  newRequestTable(cfg.MaxPendingRequests, cfg.RequestTimeout),
		state:     StateClosed,
		openCh:    make(chan struct{}),
		failed:    make(chan struct{}),
		done:      make(chan struct{}),
		pushReady: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "socket", "endpoint", s.endpoint)

	go s.dispatchPushes()

	return s, nil
}

func (s *Session) Endpoint() string {
	return s.endpoint
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.state
}

// Failed is closed once the session gives up reconnecting.
func (s *Session) Failed() <-chan struct{} {
	return s.failed
}

// Done is closed once the session has been closed by request.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error after Failed fired, nil before.
func (s *Session) Err() error {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.terminalErr
}

// Connect opens a physical connection. It is a no-op while connecting or
// open, and fails on a closed or failed session.
func (s *Session) Connect() error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return model.ClosedError("socket connect", "session is closed")
	case s.state == StateFailed:
		s.mu.Unlock()
		return model.ConnectionError("socket connect", "connection failed")
	case s.state == StateOpen || s.state == StateConnecting:
		s.mu.Unlock()
		return nil
	}
	s.stopReconnectTimerLocked()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyState(StateConnecting)

	return s.open(gen)
}

// open dials for generation gen and promotes the session to OPEN.
func (s *Session) open(gen uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	conn, err := s.dial(ctx, s.endpoint)
	cancel()

	if err != nil {
		connErr := model.ConnectionError("socket connect", "failed to connect to "+s.endpoint).WithCause(err)
		s.handleFailure(gen, connErr)

		return connErr
	}

	s.mu.Lock()
	if s.closing || gen != s.generation {
		s.mu.Unlock()
		_ = conn.Close()

		return model.ClosedError("socket connect", "session changed while connecting")
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = connCancel
	s.state = StateOpen
	s.missedPings = 0
	s.reconnectAttempts = 0
	s.openedAt = time.Now()
	close(s.openCh)
	s.mu.Unlock()

	s.logger.Info("socket connected")
	s.metrics.ConnectionOpened(s.endpoint)
	s.notifyState(StateOpen)

	go s.readLoop(gen, conn)

	go s.heartbeat(connCtx, gen, conn)

	return nil
}

// handleFailure is the single entry for socket errors, timeouts, closes and
// missed heartbeats. Stale generations are ignored.
func (s *Session) handleFailure(gen uint64, cause error) {
	s.mu.Lock()
	if s.closing || gen != s.generation || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.generation++
	conn := s.conn
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	var uptime time.Duration
	if s.state == StateOpen {
		uptime = time.Since(s.openedAt)
		s.openCh = make(chan struct{})
	}

	if s.reconnectAttempts >= s.config.MaxReconnectAttempts {
		s.state = StateFailed
		s.terminalErr = model.ConnectionError("socket", fmt.Sprintf("connection failed after %d reconnect attempts", s.reconnectAttempts)).WithCause(cause)
		terminal := s.terminalErr
		s.mu.Unlock()

		closeConn(conn)
		s.metrics.ConnectionError(s.endpoint, cause)
		if uptime > 0 {
			s.metrics.ConnectionClosed(s.endpoint, uptime)
		}
		s.notifyState(StateFailed)
		s.fail(terminal)

		return
	}

	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.state = StateReconnecting
	nextGen := s.generation
	s.reconnectTimer = time.AfterFunc(s.config.ReconnectInterval, func() {
		s.reconnect(nextGen)
	})
	s.mu.Unlock()

	closeConn(conn)
	s.logger.Warn("socket disconnected, reconnect scheduled", "attempt", attempt, "in", s.config.ReconnectInterval, "error", cause)
	s.metrics.ConnectionError(s.endpoint, cause)
	if uptime > 0 {
		s.metrics.ConnectionClosed(s.endpoint, uptime)
	}
	s.metrics.ReconnectScheduled(s.endpoint, attempt)
	s.notifyState(StateReconnecting)
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.closing || gen != s.generation || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.stopReconnectTimerLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyState(StateConnecting)

	_ = s.open(gen)
}

// fail fires the terminal signal exactly once.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.logger.Error("socket connection failed", "error", err)
		s.metrics.ConnectionFailed(s.endpoint)
		s.requests.rejectAll(err)
		close(s.failed)
	})
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handleFailure(gen, model.ConnectionError("socket read", "server closed the connection").WithCause(err))
			} else {
				s.handleFailure(gen, model.ConnectionError("socket read", "connection lost").WithCause(err))
			}
			return
		}
		s.handleFrame(gen, conn, data)
	}
}

func (s *Session) heartbeat(ctx context.Context, gen uint64, conn Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if gen != s.generation {
				s.mu.Unlock()
				return
			}
			s.missedPings++
			missed := s.missedPings
			s.mu.Unlock()

			if missed >= s.config.MaxMissedPings {
				s.handleFailure(gen, model.ConnectionError("socket heartbeat", fmt.Sprintf("missed %d pings", missed)))
				return
			}
			if err := s.write(conn, []byte(pingFrame)); err != nil {
				s.handleFailure(gen, model.ConnectionError("socket heartbeat", "failed to send ping").WithCause(err))
				return
			}
		}
	}
}

func (s *Session) handleFrame(gen uint64, conn Conn, data []byte) {
	switch strings.TrimSpace(string(data)) {
	case pongFrame:
		s.mu.Lock()
		if gen == s.generation {
			s.missedPings = 0
		}
		s.mu.Unlock()
		return
	case pingFrame:
		if err := s.write(conn, []byte(pongFrame)); err != nil {
			s.handleFailure(gen, model.ConnectionError("socket read", "failed to answer ping").WithCause(err))
		}
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		protoErr := model.ProtocolError("socket read", "malformed frame").WithCause(err)
		s.logger.Warn("dropping frame", "error", protoErr)
		s.metrics.Error("socket", protoErr)
		return
	}

	if frame.Key != "" {
		result := requestResult{data: frame.Data, err: frame.replyError()}
		if s.requests.complete(frame.Key, result) {
			return
		}
		if !frame.isPush() {
			s.logger.Debug("reply for unknown request", "key", frame.Key)
			return
		}
	}

	if frame.isPush() {
		s.enqueuePush(frame.push())
		return
	}
	s.logger.Warn("dropping unexpected frame", "size", len(data))
}

// Send issues a correlated command. It waits once for the session to be
// OPEN, then resolves on the matching reply, the request timeout or ctx.
func (s *Session) Send(ctx context.Context, command string, params map[string]interface{}) (json.RawMessage, error) {
	op := "socket " + command
	if command == "" {
		return nil, model.ValidationError(op, "command is required")
	}

	conn, err := s.awaitOpen(ctx)
	if err != nil {
		return nil, model.Wrap(err, op)
	}

	key := uuid.NewString()
	data, err := encodeCommand(command, key, params)
	if err != nil {
		return nil, model.ValidationError(op, "params are not serializable").WithCause(err)
	}

	pending, err := s.requests.add(key, command)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	if err := s.write(conn, data); err != nil {
		s.requests.cancel(key)
		sendErr := model.ConnectionError(op, "failed to write request").WithCause(err)
		s.metrics.RequestCompleted(command, time.Since(start), sendErr)

		return nil, sendErr
	}

	timer := time.NewTimer(s.config.RequestTimeout)

	defer timer.Stop()

	var result requestResult
	select {
	case result = <-pending.done:
	case <-timer.C:
		s.requests.cancel(key)
		result.err = model.ConnectionError(op, "request timed out")
	case <-ctx.Done():
		s.requests.cancel(key)
		result.err = model.CanceledError(op, "request canceled").WithCause(ctx.Err())
	}
	s.metrics.RequestCompleted(command, time.Since(start), result.err)

	return result.data, result.err
}

// awaitOpen blocks until OPEN and returns the live connection. A session that
// was never connected is connected on first use.
func (s *Session) awaitOpen(ctx context.Context) (Conn, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closing:
			s.mu.Unlock()
			return nil, model.ClosedError("socket", "session is closed")
		case s.state == StateFailed:
			err := s.terminalErr
			s.mu.Unlock()
			return nil, err
		case s.state == StateOpen && s.conn != nil:
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}
		idle := s.state == StateClosed
		openCh := s.openCh
		s.mu.Unlock()

		if idle {
			go func() {
				_ = s.Connect()
			}()
		}

		select {
		case <-openCh:
		case <-s.failed:
		case <-s.done:
		case <-ctx.Done():
			return nil, model.CanceledError("socket", "gave up waiting for connection").WithCause(ctx.Err())
		}
	}
}

func (s *Session) write(conn Conn, data []byte) error {
	s.writeMu.Lock()

	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// NotifyOffline records that the network went away.
func (s *Session) NotifyOffline() {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.offline = true
}

// NotifyOnline retriggers reconnection after an offline→online transition.
func (s *Session) NotifyOnline() {
	s.mu.Lock()
	wasOffline := s.offline
	s.offline = false
	s.mu.Unlock()

	if wasOffline {
		s.retryNow("online")
	}
}

// NotifyFocus retriggers reconnection when the host regains focus.
func (s *Session) NotifyFocus() {
	s.retryNow("focus")
}

func (s *Session) retryNow(reason string) {
	s.mu.Lock()
	if s.closing || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.stopReconnectTimerLocked()
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("reconnecting early", "reason", reason)

	go s.reconnect(gen)
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == StateOpen
		uptime := time.Since(s.openedAt)
		s.closing = true
		s.state = StateClosing
		s.generation++
		s.stopReconnectTimerLocked()
		conn := s.conn
		s.conn = nil
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}
		s.mu.Unlock()

		s.notifyState(StateClosing)

		if conn != nil {
			_ = s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
			closeConn(conn)
		}
		s.requests.rejectAll(model.ClosedError("socket", "session is closed"))

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if wasOpen {
			s.metrics.ConnectionClosed(s.endpoint, uptime)
		}
		s.notifyState(StateClosed)
		close(s.done)
		s.logger.Info("socket closed")
	})
	return nil
}

func (s *Session) writeControl(conn Conn, payload []byte) error {
	s.writeMu.Lock()

	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.CloseMessage, payload)
}

func (s *Session) stopReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// OnStateChange subscribes to state transitions. The returned function
// unsubscribes and is idempotent.
func (s *Session) OnStateChange(handler StateHandler) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.stateSubs = append(s.stateSubs, stateSubscriber{id: id, handler: handler})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()

		defer s.subsMu.Unlock()

		for i, sub := range s.stateSubs {
			if sub.id == id {
				s.stateSubs = append(s.stateSubs[:i:i], s.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// OnPush subscribes to unsolicited server pushes. Handlers run one at a time
// on the session's dispatch goroutine, in arrival order, and may call Send.
func (s *Session) OnPush(handler PushHandler) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.pushSubs = append(s.pushSubs, pushSubscriber{id: id, handler: handler})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()

		defer s.subsMu.Unlock()

		for i, sub := range s.pushSubs {
			if sub.id == id {
				s.pushSubs = append(s.pushSubs[:i:i], s.pushSubs[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) notifyState(state State) {
	s.subsMu.RLock()
	subs := make([]stateSubscriber, len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		sub.handler(state)
	}
}

func (s *Session) enqueuePush(push Push) {
	s.pushMu.Lock()
	s.pushQueue = append(s.pushQueue, push)
	s.pushMu.Unlock()

	select {
	case s.pushReady <- struct{}{}:
	default:
	}
}

// dispatchPushes drains the push queue until the session is closed.
func (s *Session) dispatchPushes() {
	for {
		select {
		case <-s.done:
			return
		case <-s.pushReady:
		}

		for {
			s.pushMu.Lock()
			batch := s.pushQueue
			s.pushQueue = nil
			s.pushMu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, push := range batch {
				s.notifyPush(push)
			}
		}
	}
}

func (s *Session) notifyPush(push Push) {
	s.subsMu.RLock()
	subs := make([]pushSubscriber, len(s.pushSubs))
	copy(subs, s.pushSubs)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		s.safeDeliver(sub.handler, push)
	}
}

func (s *Session) safeDeliver(handler PushHandler, push Push) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("push handler panic: %v", r)
			s.logger.Error("push handler panicked", "error", err)
			s.metrics.Error("socket", err)
		}
	}()

	handler(push)
}

func closeConn(conn Conn) {
	if conn == nil {
		return
	}
	_ = conn.Close()
}
