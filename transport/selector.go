package transport

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// SelectorState is the state of the selector's one-way machine.
type SelectorState string

const (
	ActiveSocket SelectorState = "ACTIVE_SOCKET"
	ActivePush   SelectorState = "ACTIVE_PUSH"
)

// failureSignaler is implemented by strategies that can fail terminally on
// their own, outside any call.
type failureSignaler interface {
	Failed() <-chan struct{}
}

// resumer is implemented by strategies that can take over a listener from
// a failed strategy without losing what changed in between.
type resumer interface {
	ResumeListening(limit int, handler MessageHandler) (func(), error)
}

type registration struct {
	id       int
	limit    int
	handler  MessageHandler
	strategy Strategy
	unsub    func()
}

// Selector routes a channel's reads to its active strategy. Starting on the
// socket, it switches to a fresh push strategy the first time the socket
// fails with a connection error or signals terminal failure, and never
// switches back. Listeners move to the new strategy and interrupted fetches
// are retried on it, so the switch is invisible to callers. Moved listeners
// receive the push window as added messages; the channel cache drops the
// ones it already holds.
type Selector struct {
	newPush func() Strategy
	logger  *slog.Logger
	metrics telemetry.MetricsCollector

	mu            sync.Mutex
	state         SelectorState
	active        Strategy
	registrations map[int]*registration
	nextID        int
	closed        bool
	done          chan struct{}
	onFallback    func(cause error)
}

type SelectorOption func(*Selector)

func WithSelectorLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSelectorMetrics(metrics telemetry.MetricsCollector) SelectorOption {
	return func(s *Selector) {
		s.metrics = telemetry.OrNoop(metrics)
	}
}

// WithFallbackHook observes the switch to push. The hook runs once, after
// listeners have moved.
func WithFallbackHook(hook func(cause error)) SelectorOption {
	return func(s *Selector) {
		s.onFallback = hook
	}
}

// NewSelector starts on initial. newPush builds the replacement strategy on
// fallback; it is never called when initial already is a push strategy.
func NewSelector(initial Strategy, newPush func() Strategy, opts ...SelectorOption) *Selector {
	s := &Selector{
		newPush:       newPush,
		logger:        telemetry.DiscardLogger(),
		metrics:       telemetry.NoopMetrics(),
		state:         ActivePush,
		active:        initial,
		registrations: make(map[int]*registration),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "selector")

	if initial.Kind() == KindSocket {
		s.state = ActiveSocket
		if signaler, ok := initial.(failureSignaler); ok {
			go s.watchFailure(initial, signaler.Failed())
		}
	}
	return s
}

func (s *Selector) watchFailure(strategy Strategy, failed <-chan struct{}) {
	select {
	case <-failed:
		s.fallback(strategy, model.ConnectionError("transport", "socket connection failed"))
	case <-s.done:
	}
}

func (s *Selector) State() SelectorState {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.state
}

// Kind reports the kind of the active strategy.
func (s *Selector) Kind() Kind {
	return s.current().Kind()
}

func (s *Selector) current() Strategy {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.active
}

func (s *Selector) ListenToMessage(limit int, handler MessageHandler) (func(), error) {
	if err := validateLimit("listen", limit); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ClosedError("listen", "selector is closed")
	}
	reg := &registration{id: s.nextID, limit: limit, handler: handler}
	s.nextID++
	s.registrations[reg.id] = reg
	s.mu.Unlock()

	if err := s.attach(reg, false); err != nil {
		s.mu.Lock()
		delete(s.registrations, reg.id)
		s.mu.Unlock()

		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.detach(reg)
		})
	}, nil
}

// attach subscribes reg on the active strategy, following a fallback that
// happens meanwhile. A resumed listener is also handed the strategy's
// current window.
func (s *Selector) attach(reg *registration, resume bool) error {
	for {
		strategy := s.current()

		listen := strategy.ListenToMessage
		if r, ok := strategy.(resumer); ok && resume {
			listen = r.ResumeListening
		}

		unsub, err := listen(reg.limit, reg.handler)
		if err != nil {
			if s.shouldRetry(context.Background(), strategy, err) {
				continue
			}
			return err
		}

		s.mu.Lock()
		_, live := s.registrations[reg.id]
		switched := s.active != strategy
		if live && !switched {
			reg.strategy = strategy
			reg.unsub = unsub
		}
		s.mu.Unlock()

		if live && !switched {
			return nil
		}
		unsub()
		if !live {
			return nil
		}
	}
}

func (s *Selector) detach(reg *registration) {
	s.mu.Lock()
	delete(s.registrations, reg.id)
	unsub := reg.unsub
	reg.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (s *Selector) FetchRecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	for {
		strategy := s.current()

		messages, err := strategy.FetchRecentMessages(ctx, limit)
		if err != nil && s.shouldRetry(ctx, strategy, err) {
			continue
		}
		return messages, err
	}
}

func (s *Selector) FetchPreviousMessages(ctx context.Context, limit int, before int64) ([]model.Message, error) {
	for {
		strategy := s.current()

		messages, err := strategy.FetchPreviousMessages(ctx, limit, before)
		if err != nil && s.shouldRetry(ctx, strategy, err) {
			continue
		}
		return messages, err
	}
}

// shouldRetry decides whether err from strategy triggers the fallback and a
// retry on the replacement. Only connection errors of the socket qualify;
// protocol and validation errors are surfaced, and so is the caller's own
// context ending, which leaves a healthy session in place.
func (s *Selector) shouldRetry(ctx context.Context, strategy Strategy, err error) bool {
	if strategy.Kind() != KindSocket || !model.IsKind(err, model.KindConnection) {
		return false
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	return s.fallback(strategy, err)
}

// fallback moves from the socket strategy to a new push strategy. It reports
// whether a push strategy is active afterwards.
func (s *Selector) fallback(from Strategy, cause error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.active != from {
		s.mu.Unlock()
		return true
	}

	push := s.newPush()
	s.active = push
	s.state = ActivePush

	var moved []*registration
	for _, reg := range s.registrations {
		if reg.strategy == from {
			reg.strategy = nil
			reg.unsub = nil
			moved = append(moved, reg)
		}
	}
	s.mu.Unlock()

	sort.Slice(moved, func(i, j int) bool {
		return moved[i].id < moved[j].id
	})

	s.logger.Warn("socket transport failed, falling back to push", "error", cause, "listeners", len(moved))
	s.metrics.StrategyFallback(string(KindSocket), string(KindPush))

	if err := from.Close(); err != nil {
		s.logger.Debug("closing socket strategy", "error", err)
	}

	for _, reg := range moved {
		if err := s.attach(reg, true); err != nil {
			s.logger.Error("failed to move listener to push", "error", err)
			s.metrics.Error("selector", err)
		}
	}

	if s.onFallback != nil {
		s.onFallback(cause)
	}
	return true
}

// Close closes the active strategy and drops every listener. It is
// idempotent.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	active := s.active
	s.registrations = make(map[int]*registration)
	s.mu.Unlock()

	return active.Close()
}
