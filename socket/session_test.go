package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// mockServer upgrades every request and hands the connection to handler.
type mockServer struct {
	*httptest.Server
	connections atomic.Int32
}

func createMockServer(t *testing.T, handler func(*websocket.Conn)) *mockServer {
	server := &mockServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		server.connections.Add(1)
		handler(conn)
	}))
	return server
}

func (m *mockServer) endpoint() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

// testConfig shrinks every timing so the state machine runs in milliseconds.
func testConfig() *Config {
	return &Config{
		ConnectTimeout:       time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
		MaxMissedPings:       3,
		RequestTimeout:       2 * time.Second,
		WriteTimeout:         time.Second,
		MaxPendingRequests:   16,
	}
}

// readCommand reads the next JSON command, answering heartbeat pings on the way.
func readCommand(conn *websocket.Conn) (map[string]interface{}, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if string(data) == pingFrame {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(pongFrame)); err != nil {
				return nil, err
			}
			continue
		}
		var command map[string]interface{}
		if err := json.Unmarshal(data, &command); err != nil {
			return nil, err
		}
		return command, nil
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s within %v, still %s", want, timeout, s.State())
}

func TestSession_InitialState(t *testing.T) {
	session, err := NewSession("http://localhost:4000/socket", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if session.State() != StateClosed {
		t.Errorf("Expected initial state CLOSED, got %s", session.State())
	}

	if session.Endpoint() != "ws://localhost:4000/socket" {
		t.Errorf("Expected normalized endpoint, got %s", session.Endpoint())
	}

	if session.Err() != nil {
		t.Errorf("Expected no terminal error, got %v", session.Err())
	}
}

func TestSession_ConnectOpens(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	var mu sync.Mutex
	var states []State
	session.OnStateChange(func(state State) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	if session.State() != StateOpen {
		t.Errorf("Expected state OPEN, got %s", session.State())
	}

	if err := session.Connect(); err != nil {
		t.Errorf("Expected connect on an open session to be a no-op, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateOpen {
		t.Errorf("Expected [CONNECTING OPEN], got %v", states)
	}
}

func TestSession_SendCorrelatesReply(t *testing.T) {
	server := createMockServer(t, func(conn *websocket.Conn) {
		for {
			command, err := readCommand(conn)
			if err != nil {
				return
			}
			push := `{"KindName":"added","ID":"p1","Time":1,"Content":{"key":"p1"}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
				return
			}
			reply, _ := json.Marshal(map[string]interface{}{
				"key":  command["key"],
				"cmd":  command["cmd"],
				"data": map[string]interface{}{"channelId": command["channelId"]},
			})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			channelID := fmt.Sprintf("c%d", i)
			data, err := session.Send(ctx, "range", map[string]interface{}{"channelId": channelID})
			if err != nil {
				t.Errorf("Send %d failed: %v", i, err)
				return
			}

			var reply struct {
				ChannelID string `json:"channelId"`
			}
			if err := json.Unmarshal(data, &reply); err != nil {
				t.Errorf("Failed to decode reply %d: %v", i, err)
				return
			}
			if reply.ChannelID != channelID {
				t.Errorf("Expected reply for %s, got %s", channelID, reply.ChannelID)
			}
		}(i)
	}
	wg.Wait()

	if session.requests.len() != 0 {
		t.Errorf("Expected no pending requests, got %d", session.requests.len())
	}
}

func TestSession_SendReplyError(t *testing.T) {
	server := createMockServer(t, func(conn *websocket.Conn) {
		command, err := readCommand(conn)
		if err != nil {
			return
		}
		reply, _ := json.Marshal(map[string]interface{}{
			"key":   command["key"],
			"cmd":   command["cmd"],
			"error": "denied",
		})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		drain(conn)
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	_, err := session.Send(context.Background(), "range", nil)
	if !model.IsKind(err, model.KindProtocol) {
		t.Fatalf("Expected protocol error, got %v", err)
	}

	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("Expected error to mention 'denied', got %v", err)
	}
}

func TestSession_SendRequiresCommand(t *testing.T) {
	session, _ := NewSession("ws://localhost:4000/socket", testConfig())
	defer session.Close()

	_, err := session.Send(context.Background(), "", nil)
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	if session.State() != StateClosed {
		t.Errorf("Expected no connection attempt, got state %s", session.State())
	}
}

func TestSession_RequestTimeout(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	session, _ := NewSession(server.endpoint(), cfg)
	defer session.Close()

	start := time.Now()
	_, err := session.Send(context.Background(), "range", nil)
	if !model.IsKind(err, model.KindConnection) {
		t.Fatalf("Expected connection error on timeout, got %v", err)
	}

	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout error, got %v", err)
	}

	if time.Since(start) > time.Second {
		t.Errorf("Expected request to time out quickly, took %v", time.Since(start))
	}

	if session.requests.len() != 0 {
		t.Errorf("Expected timed out request to leave the table, got %d", session.requests.len())
	}
}

func TestSession_PushesDeliveredInOrder(t *testing.T) {
	const count = 20

	server := createMockServer(t, func(conn *websocket.Conn) {
		for i := 0; i < count; i++ {
			push := fmt.Sprintf(`{"Kind":0,"ID":"m%d","Time":%d,"Content":{"key":"m%d"}}`, i, i, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	received := make(chan Push, count)
	session.OnPush(func(push Push) {
		received <- push
	})

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	for i := 0; i < count; i++ {
		select {
		case push := <-received:
			if push.ID != fmt.Sprintf("m%d", i) {
				t.Fatalf("Expected push m%d, got %s", i, push.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for push %d", i)
		}
	}
}

func TestSession_PushHandlerPanicIsContained(t *testing.T) {
	server := createMockServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"KindName":"added","ID":"a","Content":{"key":"a"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"KindName":"added","ID":"b","Content":{"key":"b"}}`))
		drain(conn)
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	received := make(chan string, 2)
	session.OnPush(func(push Push) {
		if push.ID == "a" {
			panic("boom")
		}
	})
	session.OnPush(func(push Push) {
		received <- push.ID
	})

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	for _, expected := range []string{"a", "b"} {
		select {
		case id := <-received:
			if id != expected {
				t.Errorf("Expected %s, got %s", expected, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for push %s", expected)
		}
	}

	if session.State() != StateOpen {
		t.Errorf("Expected session to stay OPEN, got %s", session.State())
	}
}

func TestSession_UnsubscribePush(t *testing.T) {
	session, _ := NewSession("ws://localhost:4000/socket", testConfig())
	defer session.Close()

	calls := 0
	unsubscribe := session.OnPush(func(Push) { calls++ })
	unsubscribe()
	unsubscribe()

	session.notifyPush(Push{ID: "m1"})

	if calls != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", calls)
	}
}

func TestSession_AnswersServerPing(t *testing.T) {
	answered := make(chan string, 1)

	server := createMockServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(pingFrame)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		answered <- string(data)
		drain(conn)
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	select {
	case reply := <-answered:
		if reply != pongFrame {
			t.Errorf("Expected 'pong', got %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pong")
	}
}

func TestSession_HeartbeatKeepsConnectionAlive(t *testing.T) {
	var pings atomic.Int32

	server := createMockServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == pingFrame {
				pings.Add(1)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(pongFrame)); err != nil {
					return
				}
			}
		}
	})
	defer server.Close()

	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond

	session, _ := NewSession(server.endpoint(), cfg)
	defer session.Close()

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if session.State() != StateOpen {
		t.Errorf("Expected session to stay OPEN, got %s", session.State())
	}

	if pings.Load() < 3 {
		t.Errorf("Expected at least 3 pings, got %d", pings.Load())
	}

	if server.connections.Load() != 1 {
		t.Errorf("Expected a single connection, got %d", server.connections.Load())
	}
}

func TestSession_MissedPingsTriggerReconnect(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = time.Hour

	session, _ := NewSession(server.endpoint(), cfg)
	defer session.Close()

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	waitForState(t, session, StateReconnecting, 2*time.Second)
}

func TestSession_ServerCloseTriggersReconnect(t *testing.T) {
	var closedFirst atomic.Bool

	server := createMockServer(t, func(conn *websocket.Conn) {
		if closedFirst.CompareAndSwap(false, true) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		drain(conn)
	})
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())
	defer session.Close()

	var reconnecting atomic.Bool
	session.OnStateChange(func(state State) {
		if state == StateReconnecting {
			reconnecting.Store(true)
		}
	})

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.connections.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, session, StateOpen, 2*time.Second)

	if !reconnecting.Load() {
		t.Error("Expected a RECONNECTING transition")
	}

	if server.connections.Load() != 2 {
		t.Errorf("Expected 2 connections, got %d", server.connections.Load())
	}
}

// Only the timings are shrunk; the attempt ceiling is the shipped default.
func TestSession_DefaultReconnectCeiling(t *testing.T) {
	var dials atomic.Int32
	dialer := func(ctx context.Context, endpoint string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	cfg := DefaultConfig()
	cfg.ReconnectInterval = time.Millisecond
	cfg.ConnectTimeout = 100 * time.Millisecond

	session, _ := NewSession("ws://localhost:4000/socket", cfg, WithDialer(dialer))
	defer session.Close()

	_ = session.Connect()

	select {
	case <-session.Failed():
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for terminal failure, state %s", session.State())
	}

	if want := int32(1 + DefaultConfig().MaxReconnectAttempts); dials.Load() != want || want != 11 {
		t.Errorf("Expected initial dial plus 10 retries, got %d dials", dials.Load())
	}
	if session.State() != StateFailed {
		t.Errorf("Expected state FAILED, got %s", session.State())
	}
	if _, err := session.Send(context.Background(), "range", nil); !model.IsKind(err, model.KindConnection) {
		t.Errorf("Expected send on failed session to fail, got %v", err)
	}
}

func TestSession_ReconnectCeiling(t *testing.T) {
	var dials atomic.Int32
	dialer := func(ctx context.Context, endpoint string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	session, _ := NewSession("ws://localhost:4000/socket", testConfig(), WithDialer(dialer))
	defer session.Close()

	var failures atomic.Int32
	session.OnStateChange(func(state State) {
		if state == StateFailed {
			failures.Add(1)
		}
	})

	err := session.Connect()
	if !model.IsKind(err, model.KindConnection) {
		t.Fatalf("Expected connection error, got %v", err)
	}

	select {
	case <-session.Failed():
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for terminal failure, state %s", session.State())
	}

	if dials.Load() != 4 {
		t.Errorf("Expected initial dial plus 3 retries, got %d dials", dials.Load())
	}

	if session.State() != StateFailed {
		t.Errorf("Expected state FAILED, got %s", session.State())
	}

	if !model.IsKind(session.Err(), model.KindConnection) {
		t.Errorf("Expected terminal connection error, got %v", session.Err())
	}

	if _, err := session.Send(context.Background(), "range", nil); !model.IsKind(err, model.KindConnection) {
		t.Errorf("Expected send on failed session to fail, got %v", err)
	}

	session.NotifyFocus()
	time.Sleep(30 * time.Millisecond)

	if dials.Load() != 4 {
		t.Errorf("Expected no dials after FAILED, got %d", dials.Load())
	}

	if failures.Load() != 1 {
		t.Errorf("Expected FAILED to be reported once, got %d", failures.Load())
	}
}

// flakyDialer fails the first n dials, then dials for real.
func flakyDialer(n int32) (Dialer, *atomic.Int32) {
	var dials atomic.Int32
	dial := WebSocketDialer(nil)
	return func(ctx context.Context, endpoint string) (Conn, error) {
		if dials.Add(1) <= n {
			return nil, errors.New("network unreachable")
		}
		return dial(ctx, endpoint)
	}, &dials
}

func TestSession_FocusRetriggersReconnect(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour

	dialer, dials := flakyDialer(1)
	session, _ := NewSession(server.endpoint(), cfg, WithDialer(dialer))
	defer session.Close()

	if err := session.Connect(); err == nil {
		t.Fatal("Expected first connect to fail")
	}

	if session.State() != StateReconnecting {
		t.Fatalf("Expected state RECONNECTING, got %s", session.State())
	}

	session.NotifyFocus()

	waitForState(t, session, StateOpen, 2*time.Second)

	if dials.Load() != 2 {
		t.Errorf("Expected 2 dials, got %d", dials.Load())
	}
}

func TestSession_OnlineRetriggersOnlyAfterOffline(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour

	dialer, dials := flakyDialer(1)
	session, _ := NewSession(server.endpoint(), cfg, WithDialer(dialer))
	defer session.Close()

	_ = session.Connect()

	session.NotifyOnline()
	time.Sleep(30 * time.Millisecond)

	if session.State() != StateReconnecting {
		t.Fatalf("Expected online without offline to be ignored, got %s", session.State())
	}

	session.NotifyOffline()
	session.NotifyOnline()

	waitForState(t, session, StateOpen, 2*time.Second)

	if dials.Load() != 2 {
		t.Errorf("Expected 2 dials, got %d", dials.Load())
	}
}

func TestSession_SendWaitsForReconnect(t *testing.T) {
	server := createMockServer(t, func(conn *websocket.Conn) {
		for {
			command, err := readCommand(conn)
			if err != nil {
				return
			}
			reply, _ := json.Marshal(map[string]interface{}{"key": command["key"], "cmd": command["cmd"], "data": "ok"})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testConfig()
	cfg.ReconnectInterval = 50 * time.Millisecond

	dialer, _ := flakyDialer(2)
	session, _ := NewSession(server.endpoint(), cfg, WithDialer(dialer))
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := session.Send(ctx, "range", nil)
	if err != nil {
		t.Fatalf("Expected send to succeed after reconnect, got %v", err)
	}

	if string(data) != `"ok"` {
		t.Errorf("Expected '\"ok\"', got %s", data)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())

	if err := session.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Errorf("Expected first close to succeed, got %v", err)
	}

	if err := session.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}

	if session.State() != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", session.State())
	}

	select {
	case <-session.Done():
	default:
		t.Error("Expected Done to be closed")
	}

	if _, err := session.Send(context.Background(), "range", nil); !model.IsKind(err, model.KindClosed) {
		t.Errorf("Expected closed error, got %v", err)
	}

	if err := session.Connect(); !model.IsKind(err, model.KindClosed) {
		t.Errorf("Expected connect after close to fail, got %v", err)
	}
}

func TestSession_CloseRejectsPending(t *testing.T) {
	server := createMockServer(t, drain)
	defer server.Close()

	session, _ := NewSession(server.endpoint(), testConfig())

	result := make(chan error, 1)
	go func() {
		_, err := session.Send(context.Background(), "range", nil)
		result <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for session.requests.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_ = session.Close()

	select {
	case err := <-result:
		if !model.IsKind(err, model.KindClosed) {
			t.Errorf("Expected closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pending request to be rejected")
	}
}

func TestSession_SendCanceledByContext(t *testing.T) {
	dialer := func(ctx context.Context, endpoint string) (Conn, error) {
		return nil, errors.New("connection refused")
	}

	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour

	session, _ := NewSession("ws://localhost:4000/socket", cfg, WithDialer(dialer))
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := session.Send(ctx, "range", nil)
	if !model.IsKind(err, model.KindCanceled) {
		t.Errorf("Expected canceled error, got %v", err)
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded in chain, got %v", err)
	}
}
