package transport

import (
	"context"
	"log/slog"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// UserReactionsHandler receives the viewer's reaction records that were added
// or changed. The first call carries every existing record.
type UserReactionsHandler func(records []model.ReactionRecord)

// ChannelReactionsHandler receives per-message aggregates that were added or
// changed. The first call carries every existing aggregate.
type ChannelReactionsHandler func(aggregates []model.ChannelReaction)

// ReactionSource follows the two reaction views of a channel on the push
// service.
type ReactionSource struct {
	store   docstore.Store
	channel ChannelRef
	logger  *slog.Logger
}

func NewReactionSource(store docstore.Store, channel ChannelRef, logger *slog.Logger) *ReactionSource {
	return &ReactionSource{
		store:   store,
		channel: channel,
		logger:  telemetry.OrDiscard(logger).With("component", "reactions", "channel", channel.ChannelID),
	}
}

// ListenToUserReactions follows the reactions userID applied in this channel.
func (r *ReactionSource) ListenToUserReactions(userID string, handler UserReactionsHandler) (func(), error) {
	if userID == "" {
		return nil, model.ValidationError("listen user reactions", "viewer is required").WithChannel(r.channel.ChannelID)
	}

	query := docstore.Collection(r.channel.UserReactionsPath()).
		Where("userId", "==", userID).
		Where("channelId", "==", r.channel.ChannelID)

	unsubscribe, err := r.store.Listen(context.Background(), query, func(snapshot docstore.Snapshot) {
		records := make([]model.ReactionRecord, 0, len(snapshot.Changes))
		for _, change := range snapshot.Changes {
			if change.Type == model.Removed {
				continue
			}
			var record model.ReactionRecord
			if err := change.Doc.Decode(&record); err != nil || record.ItemID == "" || record.Reaction == "" {
				r.logger.Warn("dropping malformed reaction record", "id", change.Doc.ID, "error", err)
				continue
			}
			records = append(records, record)
		}
		if len(records) > 0 {
			handler(records)
		}
	})
	if err != nil {
		return nil, model.Wrap(err, "listen user reactions").WithChannel(r.channel.ChannelID)
	}
	return unsubscribe, nil
}

// ListenToChannelReactions follows the per-message aggregates of the channel.
func (r *ReactionSource) ListenToChannelReactions(handler ChannelReactionsHandler) (func(), error) {
	query := docstore.Collection(r.channel.ReactionsPath())

	unsubscribe, err := r.store.Listen(context.Background(), query, func(snapshot docstore.Snapshot) {
		aggregates := make([]model.ChannelReaction, 0, len(snapshot.Changes))
		for _, change := range snapshot.Changes {
			if change.Type == model.Removed {
				continue
			}
			var aggregate model.ChannelReaction
			if err := change.Doc.Decode(&aggregate); err != nil {
				r.logger.Warn("dropping malformed reaction aggregate", "id", change.Doc.ID, "error", err)
				continue
			}
			if aggregate.ItemID == "" {
				aggregate.ItemID = change.Doc.ID
			}
			if aggregate.Counts == nil {
				aggregate.Counts = model.ReactionCounts{}
			}
			aggregates = append(aggregates, aggregate)
		}
		if len(aggregates) > 0 {
			handler(aggregates)
		}
	})
	if err != nil {
		return nil, model.Wrap(err, "listen channel reactions").WithChannel(r.channel.ChannelID)
	}
	return unsubscribe, nil
}
