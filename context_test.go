package arenachat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/socket"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
	"github.com/stationfy/arena-chat-sdk-sub000/transport"
)

var testOptions = ChannelOptions{
	ChatRoomID:  "r1",
	ChannelID:   "c1",
	SiteID:      "s1",
	PublisherID: "p1",
	User:        &model.User{ID: "u1", DisplayName: "Ann"},
}

func newTestContext(t *testing.T, cfg *Config, opts ...Option) *Context {
	t.Helper()

	opts = append([]Option{WithLogger(telemetry.DiscardLogger())}, opts...)
	arena, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = arena.Close() })
	return arena
}

func seed(t *testing.T, store docstore.Store, messages ...model.Message) {
	t.Helper()

	path := testOptions.ref().MessagesPath()
	for _, m := range messages {
		if err := store.Set(context.Background(), path, m.Key, m); err != nil {
			t.Fatalf("Failed to seed %s: %v", m.Key, err)
		}
	}
}

func receive(t *testing.T, ch <-chan model.Message) model.Message {
	t.Helper()

	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a message event")
	}
	return model.Message{}
}

func eventually(t *testing.T, condition func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContext_ChannelRegistry(t *testing.T) {
	arena := newTestContext(t, nil)

	first, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	second, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if first != second {
		t.Error("Expected the same channel for the same id")
	}
	if ids := arena.Channels(); len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("Expected [c1], got %v", ids)
	}

	_ = first.Close()
	replaced, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if replaced == first {
		t.Error("Expected a closed channel to be replaced")
	}

	if err := arena.DisposeChannel("c1"); err != nil {
		t.Fatalf("DisposeChannel failed: %v", err)
	}
	if err := arena.DisposeChannel("c1"); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	if _, err := arena.Channel(ChannelOptions{ChatRoomID: "r1"}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestContext_PushChannelEndToEnd(t *testing.T) {
	arena := newTestContext(t, nil)
	seed(t, arena.Store(), msg("m1", 10), msg("m2", 20))

	channel, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}

	received := make(chan model.Message, 8)
	if _, err := channel.OnMessageReceived(func(m model.Message) { received <- m }); err != nil {
		t.Fatalf("OnMessageReceived failed: %v", err)
	}

	page, err := channel.LoadRecentMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages failed: %v", err)
	}
	if !sameKeys(keysOf(page), "m1", "m2") {
		t.Errorf("Expected [m1 m2], got %v", keysOf(page))
	}

	reads, err := arena.Store().Get(context.Background(), docstore.Collection(testOptions.ref().ReadsPath()))
	if err != nil || len(reads) != 1 || reads[0].ID != "u1" {
		t.Errorf("Expected a read marker for u1, got %v (%v)", reads, err)
	}

	seed(t, arena.Store(), msg("m3", 30))
	if m := receive(t, received); m.Key != "m3" || m.ChannelID != "c1" {
		t.Errorf("Expected m3 on c1, got %+v", m)
	}

	modified := make(chan model.Message, 8)
	_, _ = channel.OnMessageModified(func(m model.Message) { modified <- m })

	if err := channel.SendReaction(context.Background(), model.Reaction{Type: "love", MessageKey: "m1"}); err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}
	if m := receive(t, modified); m.Key != "m1" || m.Reactions["love"] != 1 || !m.CurrentUserReactions["love"] {
		t.Errorf("Expected the optimistic update first, got %+v", m)
	}

	// The backend's aggregate agrees with the optimistic one, so the cache
	// settles without flapping.
	eventually(t, func() bool {
		cached, _ := channel.cache.Get("m1")
		return cached.Reactions["love"] == 1 && cached.CurrentUserReactions["love"]
	}, "reaction to settle")
}

func TestContext_ReactionsFromElsewhere(t *testing.T) {
	arena := newTestContext(t, nil)
	seed(t, arena.Store(), msg("m1", 10))

	channel, _ := arena.Channel(testOptions)
	_, _ = channel.LoadRecentMessages(context.Background(), 10)

	modified := make(chan model.Message, 8)
	_, _ = channel.OnMessageModified(func(m model.Message) { modified <- m })

	other := model.ReactionRecord{
		ItemType:   reactionItemType,
		Reaction:   "like",
		ItemID:     "m1",
		UserID:     "u2",
		ChannelID:  "c1",
		ChatRoomID: "r1",
	}
	if err := arena.Backend().SendReaction(context.Background(), other); err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}

	m := receive(t, modified)
	if m.Reactions["like"] != 1 || m.CurrentUserReactions["like"] {
		t.Errorf("Expected like=1 without the viewer's flag, got %+v", m)
	}
}

// The socket never connects, so every read ends up on push without any
// configuration change.
func TestContext_SocketFallsBackToPush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Socket.URL = "http://127.0.0.1:1/socket"
	cfg.Socket.Params = map[string]string{"site": "s1"}
	cfg.Socket.ReconnectInterval = 10 * time.Millisecond
	cfg.Socket.MaxReconnectAttempts = 1
	cfg.Transport.SocketSites = []string{AllSites}

	dialer := func(ctx context.Context, endpoint string) (socket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	arena := newTestContext(t, cfg, WithSocketOptions(socket.WithDialer(dialer)))
	seed(t, arena.Store(), msg("m1", 10), msg("m2", 20))

	channel, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}

	selector := channel.reader.(*transport.Selector)

	received := make(chan model.Message, 8)
	if _, err := channel.OnMessageReceived(func(m model.Message) { received <- m }); err != nil {
		t.Fatalf("OnMessageReceived failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		page, err := channel.LoadRecentMessages(context.Background(), 10)
		if err != nil {
			t.Fatalf("LoadRecentMessages %d failed: %v", i, err)
		}
		if !sameKeys(keysOf(page), "m1", "m2") {
			t.Errorf("Expected [m1 m2] from push, got %v", keysOf(page))
		}
	}

	if selector.State() != transport.ActivePush {
		t.Errorf("Expected ACTIVE_PUSH, got %s", selector.State())
	}

	eventually(t, func() bool { return len(arena.Sessions().Endpoints()) == 1 }, "session registration")
	if got := arena.Sessions().Endpoints()[0]; got != "ws://127.0.0.1:1/socket?site=s1" {
		t.Errorf("Unexpected endpoint: %s", got)
	}

	// The moved listener may first be handed the window it missed.
	seed(t, arena.Store(), msg("m3", 30))
	for {
		m := receive(t, received)
		if m.Key == "m3" {
			break
		}
		if m.Key != "m1" && m.Key != "m2" {
			t.Fatalf("Expected the moved listener to see m3, got %s", m.Key)
		}
	}
}

func TestContext_PushWhenSiteNotFlagged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Socket.URL = "ws://127.0.0.1:1/socket"
	cfg.Transport.SocketSites = []string{"other"}

	arena := newTestContext(t, cfg)
	channel, err := arena.Channel(testOptions)
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}

	if kind := channel.reader.(*transport.Selector).Kind(); kind != transport.KindPush {
		t.Errorf("Expected push for an unflagged site, got %s", kind)
	}
	if len(arena.Sessions().Endpoints()) != 0 {
		t.Error("Expected no socket session")
	}
}

func TestContext_RedisBackend(t *testing.T) {
	server := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Docstore.Backend = BackendRedis
	cfg.Docstore.Redis.Addr = server.Addr()

	arena := newTestContext(t, cfg)
	if _, ok := arena.Store().(*docstore.RedisStore); !ok {
		t.Fatalf("Expected a redis store, got %T", arena.Store())
	}

	seed(t, arena.Store(), msg("m1", 10))

	channel, _ := arena.Channel(testOptions)
	page, err := channel.LoadRecentMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages failed: %v", err)
	}
	if !sameKeys(keysOf(page), "m1") {
		t.Errorf("Expected [m1], got %v", keysOf(page))
	}

	if err := arena.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}
}

func TestContext_RedisUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Docstore.Backend = BackendRedis
	cfg.Docstore.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, WithLogger(telemetry.DiscardLogger()))
	if !model.IsKind(err, model.KindConnection) {
		t.Errorf("Expected connection error, got %v", err)
	}
}

func TestContext_Metrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true

	registry := prometheus.NewRegistry()
	arena := newTestContext(t, cfg, WithRegisterer(registry))

	metrics, ok := arena.metrics.(*telemetry.PrometheusMetrics)
	if !ok {
		t.Fatalf("Expected prometheus metrics, got %T", arena.metrics)
	}

	seed(t, arena.Store(), msg("m1", 10), msg("m2", 20))
	channel, _ := arena.Channel(testOptions)
	_, _ = channel.LoadRecentMessages(context.Background(), 10)

	if got := testutil.ToFloat64(metrics.CachedMessages.WithLabelValues("c1")); got != 2 {
		t.Errorf("Expected 2 cached messages, got %v", got)
	}
}

func TestContext_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Docstore.Backend = "firestore"

	if _, err := New(context.Background(), cfg); !model.IsKind(err, model.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
