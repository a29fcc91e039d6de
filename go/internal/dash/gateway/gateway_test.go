package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/dash"
	"github.com/mcdev12/dashtrack/go/internal/dash/auth"
	"github.com/mcdev12/dashtrack/go/internal/dash/ephemeral"
	"github.com/mcdev12/dashtrack/go/internal/dash/replay"
	"github.com/mcdev12/dashtrack/go/internal/dash/validate"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/redis/go-redis/v9"
)

type validatingCommitter struct{}

func (validatingCommitter) Commit(_ context.Context, kind string, sess *models.Session) (*models.WorkSession, error) {
	window, err := validate.Validate(sess.Events)
	if err != nil {
		return nil, err
	}
	return &models.WorkSession{
		ID:        uuid.New(),
		Kind:      kind,
		UserID:    sess.UserID,
		StartTime: window.StartTime,
		EndTime:   window.EndTime,
	}, nil
}

type testGateway struct {
	server  *httptest.Server
	clock   *clockwork.FakeClock
	store   ephemeral.Store
	tokens  *auth.MemoryTokenStore
	service *Service
}

func setupGateway(t *testing.T) *testGateway {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	return newTestGateway(t, clock, ephemeral.NewMemoryStore[models.Dash](64, clock, time.Hour), nil)
}

// newTestGateway serves the dash kind on store. wrap, when set, decorates the lifecycle.
func newTestGateway(t *testing.T, clock *clockwork.FakeClock, store ephemeral.Store, wrap func(Lifecycle) Lifecycle) *testGateway {
	t.Helper()

	var lifecycle Lifecycle = dash.NewApp[models.Dash](store, validatingCommitter{}, clock)
	if wrap != nil {
		lifecycle = wrap(lifecycle)
	}
	tokens := auth.NewMemoryTokenStore(64, time.Minute)
	exchanger := auth.NewExchanger(auth.HeaderVerifier{Header: "X-User-Id", TTL: time.Hour, Now: clock.Now}, tokens, clock)

	service := NewService(DefaultConnectionConfig(), clock, exchanger, lifecycle)
	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = service.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &testGateway{server: server, clock: clock, store: store, tokens: tokens, service: service}
}

func (g *testGateway) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := g.tokens.Issue(context.Background(), auth.Identity{
		UserID:    userID,
		SessionID: "s-" + userID,
		ExpiresAt: g.clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

func (g *testGateway) url(token string) string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/dash?token=" + token
}

// connect dials as userID and consumes the snapshot pushed on connect.
func (g *testGateway) connect(t *testing.T, userID string) (*websocket.Conn, dash.Snapshot) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url(g.token(t, userID)), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	msg := readMessage(t, conn)
	if msg.Type != MessageSync {
		t.Fatalf("Expected sync on connect, got %s", msg.Type)
	}
	return conn, msg.snapshot(t)
}

type received struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorPayload   `json:"error"`
}

func (r received) snapshot(t *testing.T) dash.Snapshot {
	t.Helper()
	var snap dash.Snapshot
	if err := json.Unmarshal(r.Payload, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	return snap
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msgType MessageType, payload any) {
	t.Helper()
	msg := map[string]any{"type": msgType}
	if payload != nil {
		msg["payload"] = payload
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send %s: %v", msgType, err)
	}
}

func expectSync(t *testing.T, conn *websocket.Conn) dash.Snapshot {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Type != MessageSync {
		t.Fatalf("Expected sync, got %s (error: %+v)", msg.Type, msg.Error)
	}
	return msg.snapshot(t)
}

func expectError(t *testing.T, conn *websocket.Conn, code string) *ErrorPayload {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Type != MessageError || msg.Error == nil {
		t.Fatalf("Expected error, got %s", msg.Type)
	}
	if msg.Error.Code != code {
		t.Fatalf("Expected code %s, got %s (%s)", code, msg.Error.Code, msg.Error.Message)
	}
	return msg.Error
}

func TestHandshake_RejectsBadTokens(t *testing.T) {
	g := setupGateway(t)

	used := g.token(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(g.url(used), nil)
	if err != nil {
		t.Fatalf("First dial failed: %v", err)
	}
	conn.Close()

	expired, _ := g.tokens.Issue(context.Background(), auth.Identity{
		UserID:    "u1",
		ExpiresAt: g.clock.Now().Add(-time.Minute),
	})

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"unknown", "not-a-token"},
		{"reused", used},
		{"expired session", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(g.url(tt.token), nil)
			if err == nil {
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("Expected 401, got %v", resp)
			}
		})
	}
}

func TestGateway_ReplayFirstOnConnect(t *testing.T) {
	g := setupGateway(t)
	ctx := context.Background()

	_, _ = g.store.CreateOrGet(ctx, "u1")
	_, _ = g.store.AssignTask(ctx, "u1", "t1")
	_, _ = g.store.AddEvent(ctx, "u1", models.StopwatchEvent(models.ActionStart, 999_000))

	_, snap := g.connect(t, "u1")
	if snap.Mode != replay.ModeWork {
		t.Errorf("Expected work mode, got %s", snap.Mode)
	}
	if snap.Timers.Work != 1000 {
		t.Errorf("Expected 1000ms of work, got %d", snap.Timers.Work)
	}
	if snap.LifecycleStatus == nil || *snap.LifecycleStatus != models.SessionStatusActive {
		t.Errorf("Expected active, got %v", snap.LifecycleStatus)
	}
	if snap.TaskID == nil || *snap.TaskID != "t1" {
		t.Errorf("Expected task t1, got %v", snap.TaskID)
	}
}

func TestGateway_FanOutToAllUserConnections(t *testing.T) {
	g := setupGateway(t)

	a, _ := g.connect(t, "u1")
	b, _ := g.connect(t, "u1")
	other, _ := g.connect(t, "u2")

	send(t, a, MessageInit, nil)
	for _, conn := range []*websocket.Conn{a, b} {
		snap := expectSync(t, conn)
		if snap.LifecycleStatus == nil || *snap.LifecycleStatus != models.SessionStatusInitializedNoTask {
			t.Errorf("Expected initialized_no_task, got %v", snap.LifecycleStatus)
		}
	}

	send(t, b, MessageAssignTask, AssignTaskPayload{TaskID: "t9"})
	for _, conn := range []*websocket.Conn{a, b} {
		snap := expectSync(t, conn)
		if snap.TaskID == nil || *snap.TaskID != "t9" {
			t.Errorf("Expected task t9, got %v", snap.TaskID)
		}
	}

	// u2 has no session and must not see u1's updates.
	send(t, other, MessageSync, nil)
	snap := expectSync(t, other)
	if snap.LifecycleStatus != nil {
		t.Errorf("u2 should have no session, got %v", *snap.LifecycleStatus)
	}
}

func TestGateway_ValidationErrorKeepsConnectionOpen(t *testing.T) {
	g := setupGateway(t)
	conn, _ := g.connect(t, "u1")

	send(t, conn, MessageInit, nil)
	expectSync(t, conn)
	for _, e := range []models.Event{
		models.StopwatchEvent(models.ActionStart, 1_000_000),
		models.StopwatchEvent(models.ActionBreak, 1_000_100),
		models.StopwatchEvent(models.ActionBreak, 1_000_200),
	} {
		send(t, conn, MessageAddEvent, e)
		expectSync(t, conn)
	}

	send(t, conn, MessageFinish, FinishPayload{At: 1_000_300})
	errPayload := expectError(t, conn, dash.CodeValidationFailed)
	if errPayload.Reason != string(validate.ReasonConsecutiveBreak) {
		t.Errorf("Expected reason ConsecutiveBreak, got %s", errPayload.Reason)
	}
	if errPayload.Command != MessageFinish {
		t.Errorf("Expected command finish, got %s", errPayload.Command)
	}

	send(t, conn, MessageSync, nil)
	snap := expectSync(t, conn)
	if len(snap.Events) != 3 {
		t.Errorf("Log must be unchanged, got %d events", len(snap.Events))
	}
}

func TestGateway_LogicalErrors(t *testing.T) {
	g := setupGateway(t)
	conn, _ := g.connect(t, "u1")

	send(t, conn, MessageUnassignTask, nil)
	expectError(t, conn, dash.CodeNoSession)

	send(t, conn, "teleport", nil)
	expectError(t, conn, CodeUnknownCommand)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectError(t, conn, CodeBadRequest)

	send(t, conn, MessageInit, nil)
	expectSync(t, conn)
	send(t, conn, MessageAddEvent, models.Event{Domain: "calendar", Action: "start", Timestamp: 1})
	expectError(t, conn, dash.CodeInvalidEvent)
}

func TestGateway_FinishCommitsAndClears(t *testing.T) {
	g := setupGateway(t)
	a, _ := g.connect(t, "u1")
	b, _ := g.connect(t, "u1")

	send(t, a, MessageInit, nil)
	expectSync(t, a)
	expectSync(t, b)
	send(t, a, MessageAddEvent, models.StopwatchEvent(models.ActionStart, 1_000_000))
	expectSync(t, a)
	expectSync(t, b)

	// A stopwatch finish sent as an event takes the finish path.
	send(t, a, MessageAddEvent, models.StopwatchEvent(models.ActionFinish, 1_004_000))
	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageCommitted {
			t.Fatalf("Expected committed, got %s", msg.Type)
		}
		var committed CommittedPayload
		if err := json.Unmarshal(msg.Payload, &committed); err != nil {
			t.Fatalf("Failed to decode committed: %v", err)
		}
		if committed.StartTime != 1_000_000 || committed.EndTime != 1_004_000 {
			t.Errorf("Unexpected window %+v", committed)
		}

		snap := expectSync(t, conn)
		if snap.LifecycleStatus != nil {
			t.Errorf("Expected cleared session, got %v", *snap.LifecycleStatus)
		}
	}

	if exists, _ := g.store.Exists(context.Background(), "u1"); exists {
		t.Error("Ephemeral entry should be deleted after commit")
	}
}

func TestGateway_TickWhileRunning(t *testing.T) {
	g := setupGateway(t)
	conn, _ := g.connect(t, "u1")

	send(t, conn, MessageInit, nil)
	expectSync(t, conn)
	send(t, conn, MessageAddEvent, models.StopwatchEvent(models.ActionStart, 1_000_000))
	expectSync(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Ticker was not started: %v", err)
	}

	g.clock.Advance(100 * time.Millisecond)
	snap := expectSync(t, conn)
	if snap.Mode != replay.ModeWork || snap.Timers.Work != 100 {
		t.Errorf("Expected 100ms of work on tick, got %s %+v", snap.Mode, snap.Timers)
	}

	send(t, conn, MessageCancel, nil)
	snap = expectSync(t, conn)
	if snap.Mode != replay.ModeNotStarted {
		t.Errorf("Expected not_started after cancel, got %s", snap.Mode)
	}
	if err := g.clock.BlockUntilContext(ctx, 0); err != nil {
		t.Fatalf("Ticker was not stopped: %v", err)
	}
}

func TestGateway_HubStopsAfterLastConnection(t *testing.T) {
	g := setupGateway(t)
	conn, _ := g.connect(t, "u1")

	send(t, conn, MessageInit, nil)
	expectSync(t, conn)

	cm := g.service.managers[0]
	if _, ok := cm.hubFor("u1"); !ok {
		t.Fatal("Expected a hub for u1")
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := cm.hubFor("u1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Hub did not stop after last connection closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if exists, _ := g.store.Exists(context.Background(), "u1"); !exists {
		t.Error("Session must outlive its connections")
	}

	// Reconnecting replays the stored session first.
	_, snap := g.connect(t, "u1")
	if snap.LifecycleStatus == nil || *snap.LifecycleStatus != models.SessionStatusInitializedNoTask {
		t.Errorf("Expected stored session on reconnect, got %v", snap.LifecycleStatus)
	}
}

// gatedLifecycle holds Init until gate is closed.
type gatedLifecycle struct {
	Lifecycle
	entered chan struct{}
	gate    chan struct{}
}

func (l *gatedLifecycle) Init(ctx context.Context, userID string) (*models.Session, error) {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	<-l.gate
	return l.Lifecycle.Init(ctx, userID)
}

func TestGateway_ReconnectWaitsForRetiringHub(t *testing.T) {
	gated := &gatedLifecycle{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	g := newTestGateway(t, clock, ephemeral.NewMemoryStore[models.Dash](64, clock, time.Hour), func(lc Lifecycle) Lifecycle {
		gated.Lifecycle = lc
		return gated
	})
	released := false
	t.Cleanup(func() {
		if !released {
			close(gated.gate)
		}
	})

	first, _ := g.connect(t, "u1")
	send(t, first, MessageInit, nil)
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Init was not dispatched")
	}

	// The old hub is still busy with Init when its last connection goes away.
	first.Close()
	cm := g.service.managers[0]
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := cm.hubFor("u1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Hub was not detached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, _, err := websocket.DefaultDialer.Dial(g.url(g.token(t, "u1")), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	messages := make(chan received, 1)
	go func() {
		_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg received
		if err := second.ReadJSON(&msg); err == nil {
			messages <- msg
		}
		close(messages)
	}()

	select {
	case msg := <-messages:
		t.Fatalf("New hub served %s while the old hub was still running", msg.Type)
	case <-time.After(200 * time.Millisecond):
	}

	close(gated.gate)
	released = true

	msg, ok := <-messages
	if !ok {
		t.Fatal("Expected sync after the old hub stopped")
	}
	if msg.Type != MessageSync {
		t.Fatalf("Expected sync, got %s", msg.Type)
	}
	// The replay includes the command the old hub finished.
	snap := msg.snapshot(t)
	if snap.LifecycleStatus == nil || *snap.LifecycleStatus != models.SessionStatusInitializedNoTask {
		t.Errorf("Expected initialized session, got %v", snap.LifecycleStatus)
	}
}

func TestGateway_ChangesFromOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newStore := func(clock clockwork.Clock) ephemeral.Store {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return ephemeral.NewRedisStore[models.Dash](client, clock, time.Hour)
	}

	clockA := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	clockB := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	a := newTestGateway(t, clockA, newStore(clockA), nil)
	b := newTestGateway(t, clockB, newStore(clockB), nil)

	channel := "dashtrack:dash:changes"
	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(channel)[channel] < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Gateways did not subscribe to session changes")
		}
		time.Sleep(5 * time.Millisecond)
	}

	onB, _ := b.connect(t, "u1")
	onA, _ := a.connect(t, "u1")

	send(t, onA, MessageInit, nil)
	expectSync(t, onA)

	snap := expectSync(t, onB)
	if snap.LifecycleStatus == nil || *snap.LifecycleStatus != models.SessionStatusInitializedNoTask {
		t.Fatalf("Expected the session created on the other instance, got %v", snap.LifecycleStatus)
	}

	send(t, onA, MessageAddEvent, models.StopwatchEvent(models.ActionStart, 1_000_000))
	expectSync(t, onA)
	if snap := expectSync(t, onB); snap.Mode != replay.ModeWork {
		t.Errorf("Expected work mode on the other instance, got %s", snap.Mode)
	}
}
