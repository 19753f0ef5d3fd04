package arenachat

import (
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// ReactionMerger folds the two reaction views into cached messages: the
// viewer's own reactions and the per-message aggregates of the channel. It
// remembers both views so messages loaded later pick them up.
type ReactionMerger struct {
	mu         sync.Mutex
	reacted    map[string]map[string]bool
	aggregates map[string]model.ReactionCounts
}

func NewReactionMerger() *ReactionMerger {
	return &ReactionMerger{
		reacted:    make(map[string]map[string]bool),
		aggregates: make(map[string]model.ReactionCounts),
	}
}

// AddUserReactions records the viewer's reactions and returns the keys of
// the messages that gained a reaction.
func (r *ReactionMerger) AddUserReactions(records []model.ReactionRecord) []string {
	r.mu.Lock()

	defer r.mu.Unlock()

	var touched []string
	seen := make(map[string]bool)
	for _, record := range records {
		if record.ItemID == "" || record.Reaction == "" {
			continue
		}
		reactions, ok := r.reacted[record.ItemID]
		if !ok {
			reactions = make(map[string]bool)
			r.reacted[record.ItemID] = reactions
		}
		if reactions[record.Reaction] {
			continue
		}
		reactions[record.Reaction] = true
		if !seen[record.ItemID] {
			seen[record.ItemID] = true
			touched = append(touched, record.ItemID)
		}
	}
	return touched
}

// SetAggregates records per-message aggregates and returns the keys whose
// aggregate differs from the one held before.
func (r *ReactionMerger) SetAggregates(aggregates []model.ChannelReaction) []string {
	r.mu.Lock()

	defer r.mu.Unlock()

	var touched []string
	for _, aggregate := range aggregates {
		if aggregate.ItemID == "" {
			continue
		}
		previous, ok := r.aggregates[aggregate.ItemID]
		if ok && previous.Equal(aggregate.Counts) {
			continue
		}
		r.aggregates[aggregate.ItemID] = aggregate.Counts.Clone()
		touched = append(touched, aggregate.ItemID)
	}
	return touched
}

// Merge applies everything known about msg's reactions to it and reports
// whether msg changed.
func (r *ReactionMerger) Merge(msg *model.Message) bool {
	r.mu.Lock()
	reacted := r.reacted[msg.Key]
	counts, hasCounts := r.aggregates[msg.Key]
	r.mu.Unlock()

	mutated := false
	for reaction, on := range reacted {
		if on && MergeUserReaction(msg, reaction) {
			mutated = true
		}
	}
	if hasCounts && MergeAggregate(msg, counts) {
		mutated = true
	}
	return mutated
}

// ApplyLocal records a reaction the viewer just sent and applies it to msg
// ahead of the backend. The remembered aggregate follows the optimistic
// count until the backend reports a newer one. It reports false when the
// viewer had already reacted, in which case msg is untouched.
func (r *ReactionMerger) ApplyLocal(msg *model.Message, reaction string) bool {
	if msg.CurrentUserReactions[reaction] {
		return false
	}

	MergeUserReaction(msg, reaction)
	if msg.Reactions == nil {
		msg.Reactions = model.ReactionCounts{}
	}
	msg.Reactions[reaction]++

	r.mu.Lock()

	defer r.mu.Unlock()

	reactions, ok := r.reacted[msg.Key]
	if !ok {
		reactions = make(map[string]bool)
		r.reacted[msg.Key] = reactions
	}
	reactions[reaction] = true
	r.aggregates[msg.Key] = msg.Reactions.Clone()
	return true
}

// RevokeLocal is the inverse of ApplyLocal: the viewer's reaction is
// forgotten and the aggregate decremented. It reports false when the viewer
// had not reacted.
func (r *ReactionMerger) RevokeLocal(msg *model.Message, reaction string) bool {
	r.mu.Lock()
	if reactions, ok := r.reacted[msg.Key]; ok {
		delete(reactions, reaction)
		if len(reactions) == 0 {
			delete(r.reacted, msg.Key)
		}
	}
	r.mu.Unlock()

	if !msg.CurrentUserReactions[reaction] {
		return false
	}
	delete(msg.CurrentUserReactions, reaction)

	if count := msg.Reactions[reaction]; count > 1 {
		msg.Reactions[reaction] = count - 1
	} else if count == 1 {
		delete(msg.Reactions, reaction)
	}

	r.mu.Lock()
	r.aggregates[msg.Key] = msg.Reactions.Clone()
	r.mu.Unlock()
	return true
}

// Forget drops what is known about key, for a message removed from the
// channel.
func (r *ReactionMerger) Forget(key string) {
	r.mu.Lock()

	defer r.mu.Unlock()

	delete(r.reacted, key)
	delete(r.aggregates, key)
}

// MergeUserReaction marks reaction as applied by the viewer. Reapplying is a
// no-op and reports false.
func MergeUserReaction(msg *model.Message, reaction string) bool {
	if msg.CurrentUserReactions[reaction] {
		return false
	}
	if msg.CurrentUserReactions == nil {
		msg.CurrentUserReactions = make(map[string]bool)
	}
	msg.CurrentUserReactions[reaction] = true
	return true
}

// MergeAggregate replaces msg's counts with counts unless both hold the
// same pairs.
func MergeAggregate(msg *model.Message, counts model.ReactionCounts) bool {
	if msg.Reactions.Equal(counts) {
		return false
	}
	msg.Reactions = counts.Clone()
	return true
}
