package arenachat

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
	"github.com/stationfy/arena-chat-sdk-sub000/transport"
)

// DefaultWindow bounds the live subscription of a channel whose history has
// not been loaded yet.
const DefaultWindow = 50

const reactionItemType = "chat_message"

// ChannelOptions identifies a channel and the viewer reading it.
type ChannelOptions struct {
	ChatRoomID      string
	ChannelID       string
	ChatRoomVersion string

	// SiteID selects the transport through the socket_sites flag.
	SiteID      string
	PublisherID string

	// User is the active viewer. Reactions need one.
	User *model.User
}

func (o ChannelOptions) ref() transport.ChannelRef {
	return transport.ChannelRef{ChatRoomID: o.ChatRoomID, ChannelID: o.ChannelID}
}

func (o ChannelOptions) Validate() error {
	return o.ref().Validate()
}

// Channel keeps the local view of one chat channel: its cached history, the
// viewer's reactions and the listeners following it.
type Channel struct {
	options ChannelOptions
	ref     transport.ChannelRef
	logger  *slog.Logger
	metrics telemetry.MetricsCollector

	reader    transport.Strategy
	backend   transport.Backend
	reactions *transport.ReactionSource

	cache      *MessageCache
	merger     *ReactionMerger
	dispatcher *ChangeDispatcher

	loadingPrevious atomic.Bool

	mu           sync.Mutex
	closed       bool
	unsubscribes []func()
	closeOnce    sync.Once
	closeErr     error
}

type channelDeps struct {
	reader    transport.Strategy
	backend   transport.Backend
	reactions *transport.ReactionSource
	logger    *slog.Logger
	metrics   telemetry.MetricsCollector
}

func newChannel(options ChannelOptions, deps channelDeps) *Channel {
	c := &Channel{
		options:   options,
		ref:       options.ref(),
		logger:    telemetry.OrDiscard(deps.logger).With("component", "channel", "channel", options.ChannelID),
		metrics:   telemetry.OrNoop(deps.metrics),
		reader:    deps.reader,
		backend:   deps.backend,
		reactions: deps.reactions,
		cache:     NewMessageCache(options.ChannelID),
		merger:    NewReactionMerger(),
	}
	c.dispatcher = NewChangeDispatcher(c.openSubscription, c.logger, c.metrics)
	c.followReactions()
	return c
}

func (c *Channel) ID() string {
	return c.options.ChannelID
}

func (c *Channel) Options() ChannelOptions {
	return c.options
}

// followReactions subscribes to the reaction views so cached messages pick
// up reactions made anywhere.
func (c *Channel) followReactions() {
	if c.reactions == nil {
		return
	}

	unsubscribe, err := c.reactions.ListenToChannelReactions(c.applyAggregates)
	if err != nil {
		c.logger.Warn("failed to follow channel reactions", "error", err)
	} else {
		c.unsubscribes = append(c.unsubscribes, unsubscribe)
	}

	if c.options.User == nil || c.options.User.ID == "" {
		return
	}
	unsubscribe, err = c.reactions.ListenToUserReactions(c.options.User.ID, c.applyUserReactions)
	if err != nil {
		c.logger.Warn("failed to follow viewer reactions", "error", err)
		return
	}
	c.unsubscribes = append(c.unsubscribes, unsubscribe)
}

func (c *Channel) applyUserReactions(records []model.ReactionRecord) {
	for _, key := range c.merger.AddUserReactions(records) {
		if updated, ok := c.cache.Update(key, c.merger.Merge); ok {
			c.dispatcher.Dispatch(model.ModifiedEvent(updated))
		}
	}
}

func (c *Channel) applyAggregates(aggregates []model.ChannelReaction) {
	for _, key := range c.merger.SetAggregates(aggregates) {
		if updated, ok := c.cache.Update(key, c.merger.Merge); ok {
			c.dispatcher.Dispatch(model.ModifiedEvent(updated))
		}
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()

	defer c.mu.Unlock()

	return c.closed
}

func (c *Channel) checkOpen(op string) error {
	if c.isClosed() {
		return model.ClosedError(op, "channel is closed").WithChannel(c.ref.ChannelID)
	}
	return nil
}

// LoadRecentMessages replaces the cache with the limit most recent messages,
// oldest first, and marks the channel read when there was anything to read.
func (c *Channel) LoadRecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	const op = "load recent messages"

	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, model.ValidationError(op, "limit must be positive").WithChannel(c.ref.ChannelID)
	}

	messages, err := c.reader.FetchRecentMessages(ctx, limit)
	if err != nil {
		return nil, model.Wrap(err, op).WithChannel(c.ref.ChannelID)
	}

	for i := range messages {
		messages[i].ChangeType = ""
		c.merger.Merge(&messages[i])
	}
	c.cache.Replace(messages, limit)
	c.metrics.CacheSize(c.ref.ChannelID, c.cache.Len())

	if err := c.dispatcher.SetLimit(limit); err != nil {
		c.logger.Warn("failed to resize subscription", "limit", limit, "error", err)
	}

	if len(messages) > 0 && c.options.User != nil && c.options.User.ID != "" {
		if err := c.backend.MarkRead(ctx, c.ref, c.options.User.ID); err != nil {
			c.logger.Warn("failed to mark channel read", "error", err)
			c.metrics.Error("channel", err)
		}
	}

	return c.cache.Messages(), nil
}

// LoadPreviousMessages loads up to limit messages older than the earliest
// cached one and prepends them. Only one call may run at a time per channel.
func (c *Channel) LoadPreviousMessages(ctx context.Context, limit int) ([]model.Message, error) {
	const op = "load previous messages"

	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, model.ValidationError(op, "limit must be positive").WithChannel(c.ref.ChannelID)
	}
	if !c.loadingPrevious.CompareAndSwap(false, true) {
		return nil, model.ConcurrencyError(op, "another request is already in progress").WithChannel(c.ref.ChannelID)
	}

	defer c.loadingPrevious.Store(false)

	earliest, ok := c.cache.Earliest()
	if !ok {
		return []model.Message{}, nil
	}

	// The cursor is inclusive, so one extra message covers the boundary.
	fetched, err := c.reader.FetchPreviousMessages(ctx, limit+1, earliest.CreatedAt)
	if err != nil {
		return nil, model.Wrap(err, op).WithChannel(c.ref.ChannelID).WithMessage(earliest.Key)
	}

	page := make([]model.Message, 0, len(fetched))
	for _, msg := range fetched {
		if msg.Key == earliest.Key || c.cache.Contains(msg.Key) {
			continue
		}
		msg.ChangeType = ""
		c.merger.Merge(&msg)
		page = append(page, msg)
	}
	if len(page) > limit {
		page = page[len(page)-limit:]
	}

	added := c.cache.Prepend(page, limit)
	c.metrics.CacheSize(c.ref.ChannelID, c.cache.Len())

	if err := c.dispatcher.SetLimit(c.cache.Limit()); err != nil {
		c.logger.Warn("failed to resize subscription", "limit", c.cache.Limit(), "error", err)
	}
	return added, nil
}

// openSubscription is the dispatcher's single underlying subscription.
func (c *Channel) openSubscription(limit int, deliver func(event model.Event)) (func(), error) {
	if limit <= 0 {
		limit = DefaultWindow
	}
	return c.reader.ListenToMessage(limit, func(msg model.Message) {
		if event, ok := c.apply(msg); ok {
			deliver(event)
		}
	})
}

// apply folds one transport change into the cache and decides whether
// listeners hear about it.
func (c *Channel) apply(msg model.Message) (model.Event, bool) {
	changeType := msg.ChangeType
	msg.ChangeType = ""

	var (
		event model.Event
		ok    bool
	)

	switch changeType {
	case model.Modified:
		event, ok = c.applyModified(msg)
	case model.Removed:
		removed, cached := c.cache.Remove(msg.Key)
		if cached {
			c.merger.Forget(msg.Key)
			event, ok = model.RemovedEvent(removed), true
		}
	default:
		c.merger.Merge(&msg)
		if c.cache.Insert(msg) {
			event, ok = model.AddedEvent(msg), true
		}
	}

	if ok {
		c.metrics.CacheSize(c.ref.ChannelID, c.cache.Len())
	}
	return event, ok
}

func (c *Channel) applyModified(msg model.Message) (model.Event, bool) {
	changed := false
	updated, _ := c.cache.Update(msg.Key, func(cached *model.Message) bool {
		next := msg.Clone()
		next.CurrentUserReactions = cached.CurrentUserReactions
		if next.Reactions == nil {
			next.Reactions = cached.Reactions
		}
		c.merger.Merge(&next)
		if sameMessage(*cached, next) {
			return false
		}
		*cached = next
		changed = true
		return true
	})
	if changed {
		return model.ModifiedEvent(updated), true
	}
	if c.cache.Contains(msg.Key) {
		return model.Event{}, false
	}

	// Outside the cached window: nothing to reconcile against.
	c.merger.Merge(&msg)
	return model.ModifiedEvent(msg), true
}

func sameMessage(a, b model.Message) bool {
	return a.Key == b.Key &&
		a.CreatedAt == b.CreatedAt &&
		a.ChannelID == b.ChannelID &&
		reflect.DeepEqual(a.Content, b.Content) &&
		a.Sender == b.Sender &&
		a.Reactions.Equal(b.Reactions) &&
		sameReacted(a.CurrentUserReactions, b.CurrentUserReactions)
}

func sameReacted(a, b map[string]bool) bool {
	for reaction, on := range a {
		if on != b[reaction] {
			return false
		}
	}
	for reaction, on := range b {
		if on != a[reaction] {
			return false
		}
	}
	return true
}

// OnMessageReceived registers callback for new messages. The returned
// function removes this callback only.
func (c *Channel) OnMessageReceived(callback MessageCallback) (func(), error) {
	return c.register(model.Added, callback)
}

func (c *Channel) OnMessageModified(callback MessageCallback) (func(), error) {
	return c.register(model.Modified, callback)
}

func (c *Channel) OnMessageDeleted(callback MessageCallback) (func(), error) {
	return c.register(model.Removed, callback)
}

func (c *Channel) register(changeType model.ChangeType, callback MessageCallback) (func(), error) {
	if err := c.checkOpen("register callback"); err != nil {
		return nil, err
	}
	unsubscribe, err := c.dispatcher.Register(changeType, callback)
	if err != nil {
		return nil, model.Wrap(err, "register callback").WithChannel(c.ref.ChannelID)
	}
	return unsubscribe, nil
}

// OffMessageReceived removes every new-message callback.
func (c *Channel) OffMessageReceived() {
	c.dispatcher.Unregister(model.Added)
}

func (c *Channel) OffMessageModified() {
	c.dispatcher.Unregister(model.Modified)
}

func (c *Channel) OffMessageDeleted() {
	c.dispatcher.Unregister(model.Removed)
}

// OffAllListeners removes every callback and closes the subscription.
func (c *Channel) OffAllListeners() {
	c.dispatcher.UnregisterAll()
}

// Messages returns the cached window, oldest first.
func (c *Channel) Messages() []model.Message {
	return c.cache.Messages()
}

func (c *Channel) viewer(op string) (*model.User, error) {
	if c.options.User == nil || strings.TrimSpace(c.options.User.ID) == "" {
		return nil, model.ValidationError(op, "viewer is required").WithChannel(c.ref.ChannelID)
	}
	return c.options.User, nil
}

func (c *Channel) reactionRecord(op string, reaction model.Reaction) (model.ReactionRecord, error) {
	if strings.TrimSpace(reaction.Type) == "" {
		return model.ReactionRecord{}, model.ValidationError(op, "reaction type is required").WithChannel(c.ref.ChannelID)
	}
	if strings.TrimSpace(reaction.MessageKey) == "" {
		return model.ReactionRecord{}, model.ValidationError(op, "message key is required").WithChannel(c.ref.ChannelID)
	}
	user, err := c.viewer(op)
	if err != nil {
		return model.ReactionRecord{}, model.Wrap(err, op).WithMessage(reaction.MessageKey)
	}

	return model.ReactionRecord{
		ItemType:        reactionItemType,
		Reaction:        reaction.Type,
		PublisherID:     c.options.PublisherID,
		ItemID:          reaction.MessageKey,
		UserID:          user.ID,
		ChannelID:       c.ref.ChannelID,
		ChatRoomID:      c.ref.ChatRoomID,
		ChatRoomVersion: c.options.ChatRoomVersion,
		IsDashboardUser: user.IsDashboard,
		WidgetID:        c.ref.ChatRoomID,
		WidgetType:      "Chat",
	}, nil
}

// SendReaction applies the viewer's reaction to the cached message at once,
// notifying modified listeners, then writes it to the backend. A failed
// write rolls the local change back.
func (c *Channel) SendReaction(ctx context.Context, reaction model.Reaction) error {
	const op = "send reaction"

	if err := c.checkOpen(op); err != nil {
		return err
	}
	record, err := c.reactionRecord(op, reaction)
	if err != nil {
		return err
	}

	applied := c.mutate(reaction.MessageKey, func(msg *model.Message) bool {
		return c.merger.ApplyLocal(msg, reaction.Type)
	})

	if err := c.backend.SendReaction(ctx, record); err != nil {
		if applied {
			c.mutate(reaction.MessageKey, func(msg *model.Message) bool {
				return c.merger.RevokeLocal(msg, reaction.Type)
			})
		}
		return model.Wrap(err, op).WithChannel(c.ref.ChannelID).WithMessage(reaction.MessageKey)
	}
	return nil
}

// DeleteReaction withdraws the viewer's reaction, locally first, then on
// the backend. A failed write restores it.
func (c *Channel) DeleteReaction(ctx context.Context, reaction model.Reaction) error {
	const op = "delete reaction"

	if err := c.checkOpen(op); err != nil {
		return err
	}
	record, err := c.reactionRecord(op, reaction)
	if err != nil {
		return err
	}

	revoked := c.mutate(reaction.MessageKey, func(msg *model.Message) bool {
		return c.merger.RevokeLocal(msg, reaction.Type)
	})

	if err := c.backend.DeleteReaction(ctx, record); err != nil {
		if revoked {
			c.mutate(reaction.MessageKey, func(msg *model.Message) bool {
				return c.merger.ApplyLocal(msg, reaction.Type)
			})
		}
		return model.Wrap(err, op).WithChannel(c.ref.ChannelID).WithMessage(reaction.MessageKey)
	}
	return nil
}

// mutate updates a cached message and tells modified listeners about it.
func (c *Channel) mutate(key string, fn func(msg *model.Message) bool) bool {
	updated, ok := c.cache.Update(key, fn)
	if ok {
		c.dispatcher.Dispatch(model.ModifiedEvent(updated))
	}
	return ok
}

// Close drops every listener and reaction subscription and closes the
// transport. Further calls return the first result.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		unsubscribes := c.unsubscribes
		c.unsubscribes = nil
		c.mu.Unlock()

		c.dispatcher.Close()
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
		c.closeErr = c.reader.Close()
	})
	return c.closeErr
}
