package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	_ "modernc.org/sqlite"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OutboxEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboxEvent(nil), p.events...)
}

type chanWakeup struct {
	ch chan struct{}
}

func (w *chanWakeup) C() <-chan struct{} { return w.ch }
func (w *chanWakeup) Close() error       { return nil }

func setupOutboxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE outbox (
		id           TEXT PRIMARY KEY,
		aggregate_id TEXT      NOT NULL,
		event_type   TEXT      NOT NULL,
		payload      BLOB      NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		sent_at      TIMESTAMP
	)`)
	if err != nil {
		t.Fatalf("Failed to create outbox: %v", err)
	}
	return db
}

func insertEvents(t *testing.T, db *sql.DB, base time.Time, n int) []uuid.UUID {
	t.Helper()
	q := New(db, sqlutil.SQLite)
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		err := q.InsertOutbox(context.Background(), OutboxEvent{
			ID:          ids[i],
			AggregateID: uuid.New(),
			EventType:   EventTypeWorkSessionCommitted,
			Payload:     []byte(`{"kind":"dash"}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertOutbox failed: %v", err)
		}
	}
	return ids
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.MaxRetries = 0
	return cfg
}

func TestRelay_DrainPublishesInOrder(t *testing.T) {
	db := setupOutboxDB(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := insertEvents(t, db, clock.Now(), 3)

	pub := &recordingPublisher{}
	relay := NewRelay(db, sqlutil.SQLite, pub, nil, clock, testRelayConfig())

	sent, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if sent != 3 {
		t.Fatalf("Expected 3 sent, got %d", sent)
	}

	got := pub.published()
	for i, e := range got {
		if e.ID != ids[i] {
			t.Errorf("Event %d: expected %s, got %s", i, ids[i], e.ID)
		}
		if string(e.Payload) != `{"kind":"dash"}` {
			t.Errorf("Event %d: unexpected payload %s", i, e.Payload)
		}
	}

	sent, err = relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("Expected nothing left to send, got %d", sent)
	}
}

func TestRelay_DrainStopsOnPublishFailure(t *testing.T) {
	db := setupOutboxDB(t)
	clock := clockwork.NewFakeClock()
	insertEvents(t, db, clock.Now(), 2)

	pub := &recordingPublisher{err: errors.New("broker down")}
	relay := NewRelay(db, sqlutil.SQLite, pub, nil, clock, testRelayConfig())

	sent, err := relay.Drain(context.Background())
	if err == nil {
		t.Fatal("Expected error when broker is down")
	}
	if sent != 0 {
		t.Errorf("Expected 0 sent, got %d", sent)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	sent, err = relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("Expected both events after recovery, got %d", sent)
	}
}

func TestRelay_StartDrainsOnWakeup(t *testing.T) {
	db := setupOutboxDB(t)
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}
	wake := &chanWakeup{ch: make(chan struct{}, 1)}
	relay := NewRelay(db, sqlutil.SQLite, pub, wake, clock, testRelayConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Start(ctx)
	}()

	insertEvents(t, db, clock.Now(), 1)
	wake.ch <- struct{}{}

	deadline := time.After(2 * time.Second)
	for len(pub.published()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Relay did not publish after wakeup")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

type disconnectedPublisher struct{ recordingPublisher }

func (*disconnectedPublisher) Connected() bool { return false }

func TestRelay_Health(t *testing.T) {
	db := setupOutboxDB(t)
	clock := clockwork.NewFakeClock()
	insertEvents(t, db, clock.Now(), 2)

	relay := NewRelay(db, sqlutil.SQLite, &recordingPublisher{}, nil, clock, testRelayConfig())

	status := relay.Health(context.Background(), time.Minute)
	if status.Healthy || status.Running {
		t.Errorf("Relay that is not running must be unhealthy: %+v", status)
	}
	if status.PendingEvents != 2 {
		t.Errorf("Expected 2 pending, got %d", status.PendingEvents)
	}
	if !status.DatabaseConnected {
		t.Error("Expected database connected")
	}
	if status.BrokerConnected != nil {
		t.Error("Log-style publishers report no broker state")
	}

	relay.setRunning(true)
	if _, err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	status = relay.Health(context.Background(), time.Minute)
	if !status.Healthy {
		t.Errorf("Expected healthy relay, got errors %v", status.Errors)
	}
	if status.EventsPublished != 2 || status.PendingEvents != 0 {
		t.Errorf("Unexpected counters: %+v", status)
	}
}

func TestRelay_HealthReportsStaleBacklogAndBroker(t *testing.T) {
	db := setupOutboxDB(t)
	clock := clockwork.NewFakeClock()

	relay := NewRelay(db, sqlutil.SQLite, &disconnectedPublisher{}, nil, clock, testRelayConfig())
	relay.setRunning(true)
	if _, err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	insertEvents(t, db, clock.Now(), 1)
	clock.Advance(5 * time.Minute)

	rec := httptest.NewRecorder()
	relay.HealthHandler(time.Minute).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if status.BrokerConnected == nil || *status.BrokerConnected {
		t.Error("Expected broker reported as disconnected")
	}
	if status.PendingEvents != 1 {
		t.Errorf("Expected 1 pending, got %d", status.PendingEvents)
	}
	if len(status.Errors) < 2 {
		t.Errorf("Expected broker and stale backlog errors, got %v", status.Errors)
	}
}
