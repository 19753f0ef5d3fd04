package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// PushStrategy reads a channel through live queries on the document store.
type PushStrategy struct {
	store   docstore.Store
	channel ChannelRef
	logger  *slog.Logger

	mu     sync.Mutex
	unsubs map[int]func()
	nextID int
	closed bool
}

func NewPushStrategy(store docstore.Store, channel ChannelRef, logger *slog.Logger) *PushStrategy {
	return &PushStrategy{
		store:   store,
		channel: channel,
		logger:  telemetry.OrDiscard(logger).With("component", "push", "channel", channel.ChannelID),
		unsubs:  make(map[int]func()),
	}
}

func (p *PushStrategy) Kind() Kind {
	return KindPush
}

func (p *PushStrategy) recentQuery(limit int) docstore.Query {
	return docstore.Collection(p.channel.MessagesPath()).
		Order("createdAt", docstore.Descending).
		WithLimit(limit)
}

// ListenToMessage follows the newest limit messages. The first snapshot
// repeats the page already fetched by FetchRecentMessages and is dropped.
func (p *PushStrategy) ListenToMessage(limit int, handler MessageHandler) (func(), error) {
	return p.listen(limit, handler, false)
}

// ResumeListening is ListenToMessage for a listener taken over from another
// strategy. The first snapshot is delivered as added messages, since the
// listener may have missed some of them while its old transport was down.
func (p *PushStrategy) ResumeListening(limit int, handler MessageHandler) (func(), error) {
	return p.listen(limit, handler, true)
}

func (p *PushStrategy) listen(limit int, handler MessageHandler, replay bool) (func(), error) {
	if err := validateLimit("push listen", limit); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, model.ClosedError("push listen", "strategy is closed").WithChannel(p.channel.ChannelID)
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	listener := func(snapshot docstore.Snapshot) {
		if snapshot.Initial && !replay {
			return
		}
		for _, change := range snapshot.Changes {
			msg, err := p.decode(change.Doc)
			if err != nil {
				p.logger.Warn("dropping undecodable message", "id", change.Doc.ID, "error", err)
				continue
			}
			msg.ChangeType = change.Type
			handler(msg)
		}
	}

	unsubscribe, err := p.store.Listen(context.Background(), p.recentQuery(limit), listener)
	if err != nil {
		return nil, model.Wrap(err, "push listen").WithChannel(p.channel.ChannelID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		unsubscribe()
		return nil, model.ClosedError("push listen", "strategy is closed").WithChannel(p.channel.ChannelID)
	}
	p.unsubs[id] = unsubscribe
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.unsubs, id)
			p.mu.Unlock()

			unsubscribe()
		})
	}, nil
}

func (p *PushStrategy) FetchRecentMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if err := validateLimit("push fetch recent", limit); err != nil {
		return nil, err
	}
	return p.fetch(ctx, "push fetch recent", p.recentQuery(limit))
}

func (p *PushStrategy) FetchPreviousMessages(ctx context.Context, limit int, before int64) ([]model.Message, error) {
	if err := validateLimit("push fetch previous", limit); err != nil {
		return nil, err
	}
	return p.fetch(ctx, "push fetch previous", p.recentQuery(limit).Start(before))
}

func (p *PushStrategy) fetch(ctx context.Context, op string, query docstore.Query) ([]model.Message, error) {
	docs, err := p.store.Get(ctx, query)
	if err != nil {
		return nil, model.Wrap(err, op).WithChannel(p.channel.ChannelID)
	}

	messages := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := p.decode(doc)
		if err != nil {
			return nil, model.Wrap(err, op).WithChannel(p.channel.ChannelID)
		}
		messages = append(messages, msg)
	}
	sortAscending(messages)

	return messages, nil
}

func (p *PushStrategy) decode(doc docstore.Document) (model.Message, error) {
	var msg model.Message
	if err := doc.Decode(&msg); err != nil {
		return model.Message{}, model.ProtocolError("decode message", "malformed message document").WithCause(err).WithMessage(doc.ID)
	}
	msg.Key = doc.ID
	if msg.ChannelID == "" {
		msg.ChannelID = p.channel.ChannelID
	}
	msg.ChangeType = ""
	return msg, nil
}

// Close drops every live query of this strategy. The store stays open.
func (p *PushStrategy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = make(map[int]func())
	p.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return nil
}
