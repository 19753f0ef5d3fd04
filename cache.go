package arenachat

import (
	"sort"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// MessageCache is a channel's ordered window of messages. Messages are kept
// in createdAt order, ties in arrival order, and are unique by key.
type MessageCache struct {
	channelID string

	mu       sync.RWMutex
	messages []model.Message
	keys     map[string]struct{}

	// cumulative size of the loaded window, grown by every page
	limit int
}

func NewMessageCache(channelID string) *MessageCache {
	return &MessageCache{
		channelID: channelID,
		keys:      make(map[string]struct{}),
	}
}

func (c *MessageCache) ChannelID() string {
	return c.channelID
}

// Replace drops the cached window and installs messages in its place, resetting
// the pagination limit to limit.
func (c *MessageCache) Replace(messages []model.Message, limit int) {
	c.mu.Lock()

	defer c.mu.Unlock()

	c.messages = make([]model.Message, 0, len(messages))
	c.keys = make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if _, exists := c.keys[msg.Key]; exists {
			continue
		}
		c.keys[msg.Key] = struct{}{}
		c.messages = append(c.messages, msg.Clone())
	}
	sortMessages(c.messages)
	c.limit = limit
}

// Prepend adds an older page in front of the window and grows the pagination
// limit by limit. It returns the messages that were actually added.
func (c *MessageCache) Prepend(messages []model.Message, limit int) []model.Message {
	c.mu.Lock()

	defer c.mu.Unlock()

	added := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		if _, exists := c.keys[msg.Key]; exists {
			continue
		}
		c.keys[msg.Key] = struct{}{}
		added = append(added, msg.Clone())
	}

	merged := make([]model.Message, 0, len(added)+len(c.messages))
	merged = append(merged, added...)
	merged = append(merged, c.messages...)
	sortMessages(merged)
	c.messages = merged
	c.limit += limit

	return cloneMessages(added)
}

// Insert places msg in createdAt order after every message with the same
// timestamp. A key already in the cache is ignored and Insert reports false.
func (c *MessageCache) Insert(msg model.Message) bool {
	c.mu.Lock()

	defer c.mu.Unlock()

	if _, exists := c.keys[msg.Key]; exists {
		return false
	}

	at := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt > msg.CreatedAt
	})
	c.messages = append(c.messages, model.Message{})
	copy(c.messages[at+1:], c.messages[at:])
	c.messages[at] = msg.Clone()
	c.keys[msg.Key] = struct{}{}

	return true
}

// Update runs mutate on the cached copy of key. The change is kept only when
// mutate reports it changed something; the updated message is returned in
// that case. Unknown keys are left alone.
func (c *MessageCache) Update(key string, mutate func(msg *model.Message) bool) (model.Message, bool) {
	c.mu.Lock()

	defer c.mu.Unlock()

	at := c.indexLocked(key)
	if at < 0 {
		return model.Message{}, false
	}

	candidate := c.messages[at].Clone()
	if !mutate(&candidate) {
		return model.Message{}, false
	}

	if candidate.CreatedAt != c.messages[at].CreatedAt {
		c.messages[at] = candidate
		sortMessages(c.messages)
	} else {
		c.messages[at] = candidate
	}
	return candidate.Clone(), true
}

// Remove deletes key and returns the message it held.
func (c *MessageCache) Remove(key string) (model.Message, bool) {
	c.mu.Lock()

	defer c.mu.Unlock()

	at := c.indexLocked(key)
	if at < 0 {
		return model.Message{}, false
	}

	removed := c.messages[at]
	c.messages = append(c.messages[:at], c.messages[at+1:]...)
	delete(c.keys, key)
	return removed, true
}

func (c *MessageCache) Get(key string) (model.Message, bool) {
	c.mu.RLock()

	defer c.mu.RUnlock()

	at := c.indexLocked(key)
	if at < 0 {
		return model.Message{}, false
	}
	return c.messages[at].Clone(), true
}

func (c *MessageCache) Contains(key string) bool {
	c.mu.RLock()

	defer c.mu.RUnlock()

	_, exists := c.keys[key]
	return exists
}

// Earliest returns the oldest cached message, the pagination boundary.
func (c *MessageCache) Earliest() (model.Message, bool) {
	c.mu.RLock()

	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return model.Message{}, false
	}
	return c.messages[0].Clone(), true
}

// Messages returns a copy of the window in order.
func (c *MessageCache) Messages() []model.Message {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return cloneMessages(c.messages)
}

func (c *MessageCache) Len() int {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return len(c.messages)
}

// Limit is the cumulative number of messages requested since the last
// Replace.
func (c *MessageCache) Limit() int {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.limit
}

func (c *MessageCache) indexLocked(key string) int {
	if _, exists := c.keys[key]; !exists {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].Key == key {
			return i
		}
	}
	return -1
}

func sortMessages(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
}

func cloneMessages(messages []model.Message) []model.Message {
	cloned := make([]model.Message, len(messages))
	for i, msg := range messages {
		cloned[i] = msg.Clone()
	}
	return cloned
}
