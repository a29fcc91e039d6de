package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/dash"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Lifecycle is the command surface of one activity kind. *dash.App[K] implements it.
type Lifecycle interface {
	Kind() string
	Init(ctx context.Context, userID string) (*models.Session, error)
	AssignTask(ctx context.Context, userID, taskID string) (*models.Session, error)
	UnassignTask(ctx context.Context, userID string) (*models.Session, error)
	AddEvent(ctx context.Context, userID string, event models.Event) (*models.Session, error)
	Finish(ctx context.Context, userID string, at int64) (*models.WorkSession, error)
	Cancel(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string) (dash.Snapshot, error)
	// Changes yields users changed by other processes; a nil channel means none can.
	Changes(ctx context.Context) (<-chan string, error)
}

// ConnectionManager tracks realtime connections of one activity kind, grouped by user.
// Each user with at least one connection has a hub goroutine that owns those connections.
type ConnectionManager struct {
	lifecycle Lifecycle
	clock     clockwork.Clock
	config    ConnectionConfig
	upgrader  websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*userHub
	// retiring holds hubs whose last connection left but whose goroutine has not exited.
	retiring map[string]*userHub

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection is one client socket bound to a user.
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	hub         *userHub
}

// ConnectionConfig holds configuration for realtime connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration              `mapstructure:"write_timeout"`
	ReadTimeout     time.Duration              `mapstructure:"read_timeout"`
	PingInterval    time.Duration              `mapstructure:"ping_interval"`
	TickInterval    time.Duration              `mapstructure:"tick_interval"`
	MaxMessageSize  int64                      `mapstructure:"max_message_size"`
	ReadBufferSize  int                        `mapstructure:"read_buffer_size"`
	WriteBufferSize int                        `mapstructure:"write_buffer_size"`
	SendBufferSize  int                        `mapstructure:"send_buffer_size"`
	CheckOrigin     func(r *http.Request) bool `mapstructure:"-"`
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		TickInterval:    100 * time.Millisecond,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(lifecycle Lifecycle, clock clockwork.Clock, config ConnectionConfig) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		lifecycle: lifecycle,
		clock:     clock,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		hubs:     make(map[string]*userHub),
		retiring: make(map[string]*userHub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start blocks until ctx is done and then stops every hub. Sessions changed by other
// processes are pushed to this process's connections of that user.
func (cm *ConnectionManager) Start(ctx context.Context) {
	changes, err := cm.lifecycle.Changes(ctx)
	if err != nil {
		log.Error().Err(err).Str("kind", cm.lifecycle.Kind()).Msg("failed to follow session changes")
	}
	if changes != nil {
		go cm.followChanges(changes)
	}

	log.Info().Str("kind", cm.lifecycle.Kind()).Msg("connection manager started")
	<-ctx.Done()
	cm.cancel()
	log.Info().Str("kind", cm.lifecycle.Kind()).Msg("connection manager shutting down")
}

// UpgradeConnection upgrades an already authenticated request for userID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
	}

	cm.attach(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("kind", cm.lifecycle.Kind()).
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("realtime connection established")
	return nil
}

// attach hands conn to its user's hub, starting the hub if needed. The hub has received
// the connection when attach returns.
func (cm *ConnectionManager) attach(conn *Connection) {
	cm.mu.Lock()
	hub, ok := cm.hubs[conn.UserID]
	if !ok {
		hub = newUserHub(cm, conn.UserID)
		cm.hubs[conn.UserID] = hub
		// The new hub waits for the retiring one so the user has one ticking source.
		go hub.run(cm.ctx, cm.retiring[conn.UserID])
		metrics.ActiveHubs.WithLabelValues(cm.lifecycle.Kind()).Inc()
	}
	hub.refs++
	cm.mu.Unlock()

	conn.hub = hub
	metrics.ActiveConnections.WithLabelValues(cm.lifecycle.Kind()).Inc()
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Conn.Close()
	}
}

// detach removes conn from its hub. The hub stops after its last connection leaves; the
// user's session stays in the ephemeral store.
func (cm *ConnectionManager) detach(conn *Connection) {
	hub := conn.hub

	cm.mu.Lock()
	hub.refs--
	last := hub.refs == 0
	if last && cm.hubs[conn.UserID] == hub {
		delete(cm.hubs, conn.UserID)
		cm.retiring[conn.UserID] = hub
		metrics.ActiveHubs.WithLabelValues(cm.lifecycle.Kind()).Dec()
	}
	cm.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(cm.lifecycle.Kind()).Dec()
	select {
	case hub.unregister <- unregistration{conn: conn, last: last}:
	case <-hub.done:
	}

	log.Info().
		Str("kind", cm.lifecycle.Kind()).
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Bool("last", last).
		Msg("realtime connection closed")
}

// ConnectionStats summarizes open connections.
type ConnectionStats struct {
	Kind             string `json:"kind"`
	TotalConnections int    `json:"total_connections"`
	ActiveUsers      int    `json:"active_users"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	total := 0
	for _, hub := range cm.hubs {
		total += hub.refs
	}
	return ConnectionStats{
		Kind:             cm.lifecycle.Kind(),
		TotalConnections: total,
		ActiveUsers:      len(cm.hubs),
	}
}

// retired drops hub from the retiring set once its goroutine has exited.
func (cm *ConnectionManager) retired(hub *userHub) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.retiring[hub.userID] == hub {
		delete(cm.retiring, hub.userID)
	}
}

func (cm *ConnectionManager) followChanges(changes <-chan string) {
	for userID := range changes {
		if hub, ok := cm.hubFor(userID); ok {
			hub.submit(command{refresh: true})
		}
	}
}

func (cm *ConnectionManager) hubFor(userID string) (*userHub, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	hub, ok := cm.hubs[userID]
	return hub, ok
}

// writePump sends queued messages and pings. It exits when the hub closes Send.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump forwards client commands to the hub until the socket fails, then detaches.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))

		var msg InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type == "" {
			c.hub.submit(command{conn: c, malformed: true})
			continue
		}
		c.hub.submit(command{conn: c, msg: msg})
	}
}
