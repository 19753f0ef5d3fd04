// Package model holds the data shared by every layer of the sync engine:
// messages, reactions, change events and the domain error taxonomy.
package model

import (
	"encoding/json"
	"strings"
)

// ChangeType describes how a message changed relative to the cache.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// ChangeTypes lists every change type in dispatch order.
var ChangeTypes = []ChangeType{Added, Modified, Removed}

// ParseChangeType normalizes a change type name as sent by either transport.
func ParseChangeType(name string) (ChangeType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "added", "add", "insert", "created":
		return Added, true
	case "modified", "modify", "update", "updated":
		return Modified, true
	case "removed", "remove", "delete", "deleted":
		return Removed, true
	default:
		return "", false
	}
}

// Valid reports whether c is one of the three known change types.
func (c ChangeType) Valid() bool {
	return c == Added || c == Modified || c == Removed
}

// ReactionCounts maps a reaction type to its aggregate count.
type ReactionCounts map[string]int

// Equal compares two count maps by key set and values, ignoring order.
// A nil map equals an empty one.
func (c ReactionCounts) Equal(other ReactionCounts) bool {
	if len(c) != len(other) {
		return false
	}
	for reaction, count := range c {
		otherCount, ok := other[reaction]
		if !ok || otherCount != count {
			return false
		}
	}
	return true
}

// Clone returns an independent copy, nil for nil.
func (c ReactionCounts) Clone() ReactionCounts {
	if c == nil {
		return nil
	}
	cloned := make(ReactionCounts, len(c))
	for reaction, count := range c {
		cloned[reaction] = count
	}
	return cloned
}

// Media is an optional attachment of a message.
type Media struct {
	URL         string `json:"url,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// MessageContent is the authored body of a message.
type MessageContent struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"uid,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Image       string `json:"photoURL,omitempty"`
	IsPublisher bool   `json:"isPublisher,omitempty"`
}

// Message is one entry of a channel's ordered history.
type Message struct {
	Key                  string          `json:"key"`
	CreatedAt            int64           `json:"createdAt"`
	ChannelID            string          `json:"channelId,omitempty"`
	Content              MessageContent  `json:"message"`
	Sender               Sender          `json:"sender"`
	Reactions            ReactionCounts  `json:"reactions,omitempty"`
	CurrentUserReactions map[string]bool `json:"currentUserReactions,omitempty"`
	ChangeType           ChangeType      `json:"changeType,omitempty"`
}

// Clone deep-copies the mutable maps so callers can never alias cache state.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	if m.CurrentUserReactions != nil {
		reacted := make(map[string]bool, len(m.CurrentUserReactions))
		for reaction, on := range m.CurrentUserReactions {
			reacted[reaction] = on
		}
		m.CurrentUserReactions = reacted
	}
	if m.Content.Media != nil {
		media := *m.Content.Media
		m.Content.Media = &media
	}
	return m
}

// DecodeMessage builds a message from a loosely typed document, validating
// the fields every layer relies on.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, ProtocolError("decode message", "malformed message payload").WithCause(err)
	}
	if msg.Key == "" {
		return Message{}, ProtocolError("decode message", "message without key")
	}
	return msg, nil
}

// Event is a tagged change notification: exactly one of Added, Modified or
// Removed applied to Message.
type Event struct {
	Type    ChangeType
	Message Message
}

func AddedEvent(msg Message) Event    { return Event{Type: Added, Message: msg} }
func ModifiedEvent(msg Message) Event { return Event{Type: Modified, Message: msg} }
func RemovedEvent(msg Message) Event  { return Event{Type: Removed, Message: msg} }

// ReactionRecord is a single viewer's reaction to an item, in the shape
// exchanged with the backend.
type ReactionRecord struct {
	ItemType        string `json:"itemType"`
	Reaction        string `json:"reaction"`
	PublisherID     string `json:"publisherId"`
	ItemID          string `json:"itemId"`
	UserID          string `json:"userId"`
	ChannelID       string `json:"channelId,omitempty"`
	OpenChannelID   string `json:"openChannelId,omitempty"`
	ChatRoomID      string `json:"chatRoomId"`
	ChatRoomVersion string `json:"chatRoomVersion,omitempty"`
	IsDashboardUser bool   `json:"isDashboardUser,omitempty"`
	WidgetID        string `json:"widgetId,omitempty"`
	WidgetType      string `json:"widgetType,omitempty"`
}

// ChannelReaction is the per-channel aggregate for one message.
type ChannelReaction struct {
	ItemID string         `json:"itemId"`
	Counts ReactionCounts `json:"reactions"`
}

// Reaction is what a viewer asks to apply to a message.
type Reaction struct {
	Type       string
	MessageKey string
}

// User is the active viewer.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"name,omitempty"`
	Image       string `json:"image,omitempty"`
	IsDashboard bool   `json:"isDashboardUser,omitempty"`
}
