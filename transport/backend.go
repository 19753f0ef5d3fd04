package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Backend is the write side a channel calls out to.
type Backend interface {
	SendReaction(ctx context.Context, record model.ReactionRecord) error
	DeleteReaction(ctx context.Context, record model.ReactionRecord) error
	MarkRead(ctx context.Context, channel ChannelRef, userID string) error
}

// StoreBackend writes reactions and read markers straight into the document
// store and keeps each message's aggregate in step, which is what the
// reaction sources read back.
type StoreBackend struct {
	store docstore.Store
	now   func() time.Time

	// serializes aggregate recomputation so concurrent writes to the same
	// message cannot publish a stale count
	mu sync.Mutex
}

func NewStoreBackend(store docstore.Store) *StoreBackend {
	return &StoreBackend{store: store, now: time.Now}
}

func validateRecord(op string, record model.ReactionRecord) error {
	var missing []string
	if record.ChatRoomID == "" {
		missing = append(missing, "chatRoomId")
	}
	if record.ChannelID == "" && record.OpenChannelID == "" {
		missing = append(missing, "channelId")
	}
	if record.ItemID == "" {
		missing = append(missing, "itemId")
	}
	if record.UserID == "" {
		missing = append(missing, "userId")
	}
	if record.Reaction == "" {
		missing = append(missing, "reaction")
	}
	if len(missing) > 0 {
		return model.ValidationError(op, "missing "+strings.Join(missing, ", ")).WithChannel(record.ChannelID).WithMessage(record.ItemID)
	}
	return nil
}

func recordChannel(record model.ReactionRecord) ChannelRef {
	channelID := record.ChannelID
	if channelID == "" {
		channelID = record.OpenChannelID
	}
	return ChannelRef{ChatRoomID: record.ChatRoomID, ChannelID: channelID}
}

func recordID(record model.ReactionRecord) string {
	return record.UserID + "_" + record.ItemID + "_" + record.Reaction
}

func (b *StoreBackend) SendReaction(ctx context.Context, record model.ReactionRecord) error {
	if err := validateRecord("send reaction", record); err != nil {
		return err
	}
	channel := recordChannel(record)
	record.ChannelID = channel.ChannelID

	b.mu.Lock()

	defer b.mu.Unlock()

	if err := b.store.Set(ctx, channel.UserReactionsPath(), recordID(record), record); err != nil {
		return model.Wrap(err, "send reaction").WithChannel(channel.ChannelID).WithMessage(record.ItemID)
	}
	return b.refreshAggregate(ctx, "send reaction", channel, record.ItemID)
}

func (b *StoreBackend) DeleteReaction(ctx context.Context, record model.ReactionRecord) error {
	if err := validateRecord("delete reaction", record); err != nil {
		return err
	}
	channel := recordChannel(record)
	record.ChannelID = channel.ChannelID

	b.mu.Lock()

	defer b.mu.Unlock()

	if err := b.store.Delete(ctx, channel.UserReactionsPath(), recordID(record)); err != nil {
		return model.Wrap(err, "delete reaction").WithChannel(channel.ChannelID).WithMessage(record.ItemID)
	}
	return b.refreshAggregate(ctx, "delete reaction", channel, record.ItemID)
}

// refreshAggregate recounts the reactions of one message from the records.
func (b *StoreBackend) refreshAggregate(ctx context.Context, op string, channel ChannelRef, itemID string) error {
	query := docstore.Collection(channel.UserReactionsPath()).
		Where("channelId", "==", channel.ChannelID).
		Where("itemId", "==", itemID)

	docs, err := b.store.Get(ctx, query)
	if err != nil {
		return model.Wrap(err, op).WithChannel(channel.ChannelID).WithMessage(itemID)
	}

	counts := model.ReactionCounts{}
	for _, doc := range docs {
		if reaction, ok := doc.Data["reaction"].(string); ok && reaction != "" {
			counts[reaction]++
		}
	}

	aggregate := model.ChannelReaction{ItemID: itemID, Counts: counts}
	if err := b.store.Set(ctx, channel.ReactionsPath(), itemID, aggregate); err != nil {
		return model.Wrap(err, op).WithChannel(channel.ChannelID).WithMessage(itemID)
	}
	return nil
}

func (b *StoreBackend) MarkRead(ctx context.Context, channel ChannelRef, userID string) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	if userID == "" {
		return model.ValidationError("mark read", "viewer is required").WithChannel(channel.ChannelID)
	}

	marker := map[string]interface{}{
		"userId": userID,
		"readAt": b.now().UnixMilli(),
	}
	if err := b.store.Set(ctx, channel.ReadsPath(), userID, marker); err != nil {
		return model.Wrap(err, "mark read").WithChannel(channel.ChannelID)
	}
	return nil
}
