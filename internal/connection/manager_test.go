package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       20 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		ConnectTimeout:       2 * time.Second,
		WriteTimeout:         time.Second,
	}
}

// statusLog records status notifications.
type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.got...)
}

// failingDialer counts dials and always fails.
type failingDialer struct {
	mu    sync.Mutex
	times []time.Time
}

func (d *failingDialer) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *failingDialer) calls() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	var gotPath, gotToken string
	var reqMu sync.Mutex

	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		reqMu.Lock()
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")
		reqMu.Unlock()
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	log := &statusLog{}
	m.OnStatusChange(log.add)

	if m.Status() != StatusDisconnected {
		t.Fatalf("initial status = %s", m.Status())
	}

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("expected connected")
	}

	reqMu.Lock()
	if gotPath != "/ws" || gotToken != "tok-1" {
		t.Errorf("endpoint path=%q token=%q", gotPath, gotToken)
	}
	reqMu.Unlock()

	m.Disconnect()
	m.Disconnect()

	if m.Status() != StatusDisconnected {
		t.Errorf("status after Disconnect = %s", m.Status())
	}

	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManager_ConnectEmptyToken(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1"), nil)
	if err := m.Connect(context.Background(), ""); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("expected ErrEmptyToken, got %v", err)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	var upgrades atomic.Int32
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		upgrades.Add(1)
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background(), "tok"); err != nil {
			t.Fatalf("Connect #%d failed: %v", i, err)
		}
	}

	if n := upgrades.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestManager_SendWhenDisconnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1"), nil)

	if m.Send(TypePing, nil) {
		t.Error("Send should return false when disconnected")
	}
	if m.JoinChannel("c1") {
		t.Error("JoinChannel should return false when disconnected")
	}
	if got := m.Stats().FramesSent; got != 0 {
		t.Errorf("FramesSent = %d, want 0", got)
	}
}

func TestManager_SendWritesEnvelope(t *testing.T) {
	rec := newFrameRecorder()
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		rec.record(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !m.JoinChannel("c1") {
		t.Fatal("JoinChannel returned false")
	}
	if !m.SendTypingIndicator("c1", true) {
		t.Fatal("SendTypingIndicator returned false")
	}
	if !m.GetOnlineUsers("c1") {
		t.Fatal("GetOnlineUsers returned false")
	}
	if !m.LeaveChannel("c1") {
		t.Fatal("LeaveChannel returned false")
	}

	waitFor(t, time.Second, func() bool {
		return len(rec.ofType(TypeLeaveChannel)) == 1
	}, "leave_channel frame")

	join := rec.ofType(TypeJoinChannel)
	if len(join) != 1 || join[0]["channel_id"] != "c1" {
		t.Errorf("join frames = %v", join)
	}
	typing := rec.ofType(TypeTypingIndicator)
	if len(typing) != 1 || typing[0]["is_typing"] != true {
		t.Errorf("typing frames = %v", typing)
	}
	if len(rec.ofType(TypeGetOnlineUsers)) != 1 {
		t.Error("missing get_online_users frame")
	}
	if got := m.Stats().FramesSent; got != 4 {
		t.Errorf("FramesSent = %d, want 4", got)
	}
}

func TestManager_DispatchIsolatesHandlers(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","data":{"id":"m1"}}`))
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	done := make(chan string, 1)
	var otherCalled atomic.Bool

	m.On(TypeNewMessage, func(Envelope) error { panic("boom") })
	m.On(TypeNewMessage, func(Envelope) error { return errors.New("handler error") })
	m.On(TypeNewMessage, func(env Envelope) error {
		var data struct {
			ID string `json:"id"`
		}
		if err := env.DecodeData(&data); err != nil {
			return err
		}
		done <- data.ID
		return nil
	})
	m.On(TypeMessageDeleted, func(Envelope) error {
		otherCalled.Store(true)
		return nil
	})

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case id := <-done:
		if id != "m1" {
			t.Errorf("id = %q, want m1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third handler never ran")
	}

	if otherCalled.Load() {
		t.Error("handler for a different type was invoked")
	}
	if got := m.Stats().HandlerErrors; got != 2 {
		t.Errorf("HandlerErrors = %d, want 2", got)
	}
	if !m.IsConnected() {
		t.Error("handler failures must not affect the connection")
	}
}

func TestManager_PongAndMalformedFrames(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_status","user_id":"u1","status":"away"}`))
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	var pongCalled atomic.Bool
	m.On(TypePong, func(Envelope) error {
		pongCalled.Store(true)
		return nil
	})
	statusSeen := make(chan struct{}, 1)
	m.On(TypeUserStatus, func(Envelope) error {
		statusSeen <- struct{}{}
		return nil
	})

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-statusSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("user_status never dispatched")
	}

	if pongCalled.Load() {
		t.Error("pong must not be forwarded to handlers")
	}

	stats := m.Stats()
	if stats.MalformedFrames != 2 {
		t.Errorf("MalformedFrames = %d, want 2", stats.MalformedFrames)
	}
	if stats.LastPong.IsZero() {
		t.Error("LastPong not recorded")
	}
	if !m.IsConnected() {
		t.Error("malformed frames must not affect the connection")
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_joined","user_id":"u1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_left","user_id":"u1"}`))
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	var removedCalls, keptCalls atomic.Int32
	shared := func(env Envelope) error {
		if env.Type == TypeUserJoined {
			removedCalls.Add(1)
		} else {
			keptCalls.Add(1)
		}
		return nil
	}

	joinSub := m.On(TypeUserJoined, shared)
	m.On(TypeUserLeft, shared)

	joinSub.Unsubscribe()
	joinSub.Unsubscribe()
	m.Off(joinSub)
	m.Off(nil)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return keptCalls.Load() == 1 }, "user_left dispatch")

	if n := removedCalls.Load(); n != 0 {
		t.Errorf("unsubscribed handler ran %d times", n)
	}
}

func TestManager_StatusUnsubscribeAndReentrancy(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)

	removed := &statusLog{}
	sub := m.OnStatusChange(removed.add)
	sub.Unsubscribe()

	log := &statusLog{}
	m.OnStatusChange(func(s Status) {
		log.add(s)
		if s == StatusConnected {
			// Re-entering the Manager from a status handler must not deadlock.
			m.Disconnect()
		}
	})

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if len(removed.snapshot()) != 0 {
		t.Error("unsubscribed status handler was notified")
	}

	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManager_Heartbeat(t *testing.T) {
	var pings atomic.Int32
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == `{"type":"ping"}` {
				pings.Add(1)
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(cfg, nil)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pings.Load() >= 2 }, "heartbeat pings")
	waitFor(t, 2*time.Second, func() bool { return !m.Stats().LastPong.IsZero() }, "pong")

	m.Disconnect()
	time.Sleep(20 * time.Millisecond)
	sent := m.Stats().FramesSent

	time.Sleep(100 * time.Millisecond)
	if after := m.Stats().FramesSent; after != sent {
		t.Errorf("frames sent after Disconnect: %d -> %d", sent, after)
	}
}

func TestManager_BackoffAndExhaustion(t *testing.T) {
	d := &failingDialer{}
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ReconnectDelay = 15 * time.Millisecond
	m := NewManager(cfg, nil, WithDialer(d.dial))
	defer m.Disconnect()

	log := &statusLog{}
	m.OnStatusChange(log.add)

	if err := m.Connect(context.Background(), "tok"); err == nil {
		t.Fatal("expected Connect to fail")
	}

	// 1 initial + 5 reconnects
	waitFor(t, 5*time.Second, func() bool { return m.Status() == StatusDisconnected && len(d.calls()) == 6 }, "exhaustion")

	calls := d.calls()
	for k := 1; k < len(calls)-1; k++ {
		want := backoffDelay(cfg.ReconnectDelay, k+1)
		if gap := calls[k+1].Sub(calls[k]); gap < want {
			t.Errorf("gap between attempt %d and %d = %v, want >= %v", k, k+1, gap, want)
		}
	}

	time.Sleep(200 * time.Millisecond)
	if n := len(d.calls()); n != 6 {
		t.Errorf("dials after exhaustion = %d, want 6", n)
	}

	got := log.snapshot()
	if got[len(got)-1] != StatusDisconnected {
		t.Errorf("final status = %s", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Errorf("status %s announced twice in a row", got[i])
		}
	}
	if stats := m.Stats(); stats.TotalReconnects != 5 || stats.ErrorCount != 6 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	d := &failingDialer{}
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ReconnectDelay = 50 * time.Millisecond
	m := NewManager(cfg, nil, WithDialer(d.dial))

	m.Connect(context.Background(), "tok")
	m.Disconnect()

	time.Sleep(200 * time.Millisecond)

	if n := len(d.calls()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("status = %s", m.Status())
	}
}

func TestManager_ConnectAfterDisconnectDuringDial(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	started := make(chan context.Context, 1)
	release := make(chan struct{})
	var dials atomic.Int32
	direct := DefaultDialer()
	dial := func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		if dials.Add(1) == 1 {
			// First dial hangs past Disconnect and ignores cancellation.
			started <- ctx
			<-release
			return direct(context.Background(), endpoint)
		}
		return direct(ctx, endpoint)
	}

	m := NewManager(testConfig(wsURL(server)), nil, WithDialer(dial))
	defer m.Disconnect()

	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Connect(context.Background(), "tok1") }()

	var staleCtx context.Context
	select {
	case staleCtx = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dial never started")
	}

	m.Disconnect()
	if staleCtx.Err() == nil {
		t.Error("Disconnect did not cancel the in-flight dial")
	}

	if err := m.Connect(context.Background(), "tok2"); err != nil {
		t.Fatalf("Connect after Disconnect = %v, want nil", err)
	}
	if m.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}

	close(release)
	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("stale Connect = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale Connect never returned")
	}

	if m.Status() != StatusConnected {
		t.Errorf("status after stale dial = %s, want connected", m.Status())
	}
	if err := m.Connect(context.Background(), "tok2"); err != nil {
		t.Errorf("Connect while connected = %v, want nil", err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_ConnectResetsPendingReconnect(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	var dials atomic.Int32
	direct := DefaultDialer()
	dial := func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		dials.Add(1)
		if fail.Load() {
			return nil, errors.New("refused")
		}
		return direct(ctx, endpoint)
	}

	cfg := testConfig(wsURL(server))
	cfg.ReconnectDelay = time.Hour
	m := NewManager(cfg, nil, WithDialer(dial))
	defer m.Disconnect()

	m.Connect(context.Background(), "tok")
	if got := m.Stats().ReconnectAttempts; got != 1 {
		t.Fatalf("ReconnectAttempts = %d, want 1", got)
	}

	fail.Store(false)
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("explicit Connect failed: %v", err)
	}
	if got := m.Stats().ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts after connect = %d, want 0", got)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_ReconnectsAfterServerDrop(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			// Drop the first connection without a close frame.
			return
		}
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil)
	defer m.Disconnect()

	log := &statusLog{}
	m.OnStatusChange(log.add)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return conns.Load() == 2 && m.IsConnected() }, "reconnect")

	if got := m.Stats().ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts = %d after successful reconnect", got)
	}

	sawLoss := false
	for _, s := range log.snapshot() {
		if s == StatusError || s == StatusDisconnected {
			sawLoss = true
		}
	}
	if !sawLoss {
		t.Errorf("statuses %v never reported the drop", log.snapshot())
	}
}

func TestManager_ServerCloseFrameReportsDisconnected(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"),
			time.Now().Add(time.Second))
		drain(conn)
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.MaxReconnectAttempts = 0
	m := NewManager(cfg, nil)
	defer m.Disconnect()

	log := &statusLog{}
	m.OnStatusChange(log.add)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return m.Status() == StatusDisconnected }, "disconnected")

	for _, s := range log.snapshot() {
		if s == StatusError {
			t.Errorf("clean server close reported as error: %v", log.snapshot())
		}
	}
}
