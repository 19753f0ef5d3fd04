// Package transport provides the interchangeable realtime transports a
// channel reads messages through, the selector that falls back from the
// socket to the push service, and the reaction sources and write backend
// built on the push service.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Kind names a strategy implementation.
type Kind string

const (
	KindSocket Kind = "socket"
	KindPush   Kind = "push"
)

// MessageHandler receives one changed message at a time, its ChangeType set.
type MessageHandler func(msg model.Message)

// Strategy is the uniform listen/fetch contract of a transport. Fetches
// return messages in ascending CreatedAt order.
type Strategy interface {
	Kind() Kind
	// ListenToMessage subscribes to incremental changes of a window of the
	// limit most recent messages. The returned function is idempotent.
	ListenToMessage(limit int, handler MessageHandler) (func(), error)
	FetchRecentMessages(ctx context.Context, limit int) ([]model.Message, error)
	// FetchPreviousMessages returns up to limit messages created at or before
	// the before timestamp.
	FetchPreviousMessages(ctx context.Context, limit int, before int64) ([]model.Message, error)
	Close() error
}

// ChannelRef locates a channel inside its chat room.
type ChannelRef struct {
	ChatRoomID string
	ChannelID  string
}

func (c ChannelRef) Validate() error {
	if strings.TrimSpace(c.ChatRoomID) == "" {
		return model.ValidationError("channel", "chat room id is required")
	}
	if strings.TrimSpace(c.ChannelID) == "" {
		return model.ValidationError("channel", "channel id is required")
	}
	return nil
}

func (c ChannelRef) String() string {
	return c.ChatRoomID + "/" + c.ChannelID
}

// MessagesPath is the collection holding the channel's messages.
func (c ChannelRef) MessagesPath() string {
	return fmt.Sprintf("chatRooms/%s/channels/%s/messages", c.ChatRoomID, c.ChannelID)
}

// ReactionsPath holds the per-channel aggregate, one document per message.
func (c ChannelRef) ReactionsPath() string {
	return fmt.Sprintf("chatRooms/%s/channels/%s/reactions", c.ChatRoomID, c.ChannelID)
}

// ReadsPath holds one read marker per viewer.
func (c ChannelRef) ReadsPath() string {
	return fmt.Sprintf("chatRooms/%s/channels/%s/reads", c.ChatRoomID, c.ChannelID)
}

// UserReactionsPath holds every viewer's individual reaction records of the
// chat room.
func (c ChannelRef) UserReactionsPath() string {
	return fmt.Sprintf("chatRooms/%s/reactions", c.ChatRoomID)
}

func validateLimit(op string, limit int) error {
	if limit <= 0 {
		return model.ValidationError(op, "limit must be positive")
	}
	return nil
}

func sortAscending(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
}
