package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/socket"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// RangeCommand fetches a page of messages older than a timestamp.
const RangeCommand = "range"

// SocketStrategy reads a channel through the shared socket session of its
// chat room. Closing the strategy never closes the session.
type SocketStrategy struct {
	session *socket.Session
	channel ChannelRef
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	unsubs map[int]func()
	nextID int
	closed bool
}

func NewSocketStrategy(session *socket.Session, channel ChannelRef, logger *slog.Logger) *SocketStrategy {
	return &SocketStrategy{
		session: session,
		channel: channel,
		logger:  telemetry.OrDiscard(logger).With("component", "socket-strategy", "channel", channel.ChannelID),
		now:     time.Now,
		unsubs:  make(map[int]func()),
	}
}

func (s *SocketStrategy) Kind() Kind {
	return KindSocket
}

// Failed fires when the underlying session gives up reconnecting.
func (s *SocketStrategy) Failed() <-chan struct{} {
	return s.session.Failed()
}

// ListenToMessage forwards the session's pushes for this channel. The socket
// streams every change, so limit only has to be valid.
func (s *SocketStrategy) ListenToMessage(limit int, handler MessageHandler) (func(), error) {
	if err := validateLimit("socket listen", limit); err != nil {
		return nil, err
	}

	select {
	case <-s.session.Failed():
		return nil, model.ConnectionError("socket listen", "socket connection failed").WithChannel(s.channel.ChannelID).WithCause(s.session.Err())
	default:
	}

	s.mu.Lock()

	defer s.mu.Unlock()

	if s.closed {
		return nil, model.ClosedError("socket listen", "strategy is closed").WithChannel(s.channel.ChannelID)
	}

	unsubscribe := s.session.OnPush(func(push socket.Push) {
		msg, err := push.Message()
		if err != nil {
			s.logger.Warn("dropping malformed push", "id", push.ID, "error", err)
			return
		}
		if msg.ChannelID != "" && msg.ChannelID != s.channel.ChannelID {
			return
		}
		if msg.ChannelID == "" {
			msg.ChannelID = s.channel.ChannelID
		}
		handler(msg)
	})

	id := s.nextID
	s.nextID++
	s.unsubs[id] = unsubscribe

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.unsubs, id)
			s.mu.Unlock()

			unsubscribe()
		})
	}, nil
}

func (s *SocketStrategy) FetchRecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if err := validateLimit("socket fetch recent", limit); err != nil {
		return nil, err
	}
	return s.fetchRange(ctx, "socket fetch recent", limit, s.now().UnixMilli())
}

func (s *SocketStrategy) FetchPreviousMessages(ctx context.Context, limit int, before int64) ([]model.Message, error) {
	if err := validateLimit("socket fetch previous", limit); err != nil {
		return nil, err
	}
	return s.fetchRange(ctx, "socket fetch previous", limit, before)
}

func (s *SocketStrategy) fetchRange(ctx context.Context, op string, limit int, before int64) ([]model.Message, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, model.ClosedError(op, "strategy is closed").WithChannel(s.channel.ChannelID)
	}

	data, err := s.session.Send(ctx, RangeCommand, map[string]interface{}{
		"channelId": s.channel.ChannelID,
		"before":    before,
		"count":     limit,
	})
	if err != nil {
		return nil, model.Wrap(err, op).WithChannel(s.channel.ChannelID)
	}

	messages, err := decodeRange(data)
	if err != nil {
		return nil, model.Wrap(err, op).WithChannel(s.channel.ChannelID)
	}
	for i := range messages {
		if messages[i].ChannelID == "" {
			messages[i].ChannelID = s.channel.ChannelID
		}
	}
	sortAscending(messages)

	return messages, nil
}

// decodeRange accepts a bare array of messages or an object wrapping it
// under "messages".
func decodeRange(data json.RawMessage) ([]model.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []model.Message{}, nil
	}

	var items []json.RawMessage
	if data[0] == '{' {
		var wrapped struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, model.ProtocolError("decode range", "malformed range reply").WithCause(err)
		}
		items = wrapped.Messages
	} else if err := json.Unmarshal(data, &items); err != nil {
		return nil, model.ProtocolError("decode range", "malformed range reply").WithCause(err)
	}

	messages := make([]model.Message, 0, len(items))
	for _, item := range items {
		msg, err := model.DecodeMessage(item)
		if err != nil {
			return nil, err
		}
		msg.ChangeType = ""
		messages = append(messages, msg)
	}
	return messages, nil
}

// Close drops the strategy's push subscriptions.
func (s *SocketStrategy) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = make(map[int]func())
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return nil
}
