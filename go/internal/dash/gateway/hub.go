package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/dash"
	"github.com/mcdev12/dashtrack/go/internal/dash/replay"
	"github.com/mcdev12/dashtrack/go/internal/dash/validate"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/rs/zerolog/log"
)

type command struct {
	conn      *Connection
	msg       InboundMessage
	malformed bool
	// refresh re-broadcasts state written by another process.
	refresh bool
}

type unregistration struct {
	conn *Connection
	last bool
}

// userHub owns every connection of one user. Commands, broadcasts and the live tick all
// run on the hub goroutine, so a user's connections share one ticking source.
type userHub struct {
	manager *ConnectionManager
	userID  string
	kind    string

	// refs is guarded by manager.mu.
	refs int

	conns      map[*Connection]struct{}
	register   chan *Connection
	unregister chan unregistration
	commands   chan command
	done       chan struct{}

	ticker clockwork.Ticker
}

func newUserHub(cm *ConnectionManager, userID string) *userHub {
	return &userHub{
		manager:    cm,
		userID:     userID,
		kind:       cm.lifecycle.Kind(),
		conns:      make(map[*Connection]struct{}),
		register:   make(chan *Connection),
		unregister: make(chan unregistration),
		commands:   make(chan command),
		done:       make(chan struct{}),
	}
}

func (h *userHub) submit(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

// run serves the hub until its last connection leaves or ctx is done. It starts only
// after prev, the user's previous hub, has exited.
func (h *userHub) run(ctx context.Context, prev *userHub) {
	defer func() {
		h.stopTicker()
		for conn := range h.conns {
			close(conn.Send)
		}
		h.conns = nil
		close(h.done)
		h.manager.retired(h)
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	for {
		var tick <-chan time.Time
		if h.ticker != nil {
			tick = h.ticker.Chan()
		}

		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.conns[conn] = struct{}{}
			// A new connection starts from a full replay, and so does the tick.
			snap, ok := h.snapshot(ctx)
			if ok {
				h.sendTo(conn, OutboundMessage{Type: MessageSync, Payload: snap}, "connect")
				h.updateTicker(snap.Mode)
			}

		case u := <-h.unregister:
			if _, ok := h.conns[u.conn]; ok {
				delete(h.conns, u.conn)
				close(u.conn.Send)
			}
			if u.last {
				log.Debug().Str("kind", h.kind).Str("user_id", h.userID).Msg("hub stopped")
				return
			}

		case cmd := <-h.commands:
			h.handle(ctx, cmd)

		case <-tick:
			h.broadcastSnapshot(ctx, "tick")
		}
	}
}

func (h *userHub) updateTicker(mode replay.Mode) {
	switch {
	case mode.Running() && h.ticker == nil:
		h.ticker = h.manager.clock.NewTicker(h.manager.config.TickInterval)
	case !mode.Running():
		h.stopTicker()
	}
}

func (h *userHub) stopTicker() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
}

func (h *userHub) snapshot(ctx context.Context) (dash.Snapshot, bool) {
	snap, err := h.manager.lifecycle.Snapshot(ctx, h.userID)
	if err != nil {
		log.Error().Err(err).Str("kind", h.kind).Str("user_id", h.userID).Msg("failed to build snapshot")
		return dash.Snapshot{}, false
	}
	return snap, true
}

// broadcastSnapshot pushes the current state to every connection of the user.
func (h *userHub) broadcastSnapshot(ctx context.Context, trigger string) {
	snap, ok := h.snapshot(ctx)
	if !ok {
		return
	}
	h.broadcast(OutboundMessage{Type: MessageSync, Payload: snap}, trigger)
	h.updateTicker(snap.Mode)
}

func (h *userHub) broadcast(msg OutboundMessage, trigger string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}
	for conn := range h.conns {
		h.enqueue(conn, data)
	}
	metrics.BroadcastsTotal.WithLabelValues(h.kind, trigger).Inc()
}

func (h *userHub) sendTo(conn *Connection, msg OutboundMessage, trigger string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	h.enqueue(conn, data)
	if msg.Type == MessageSync {
		metrics.BroadcastsTotal.WithLabelValues(h.kind, trigger).Inc()
	}
}

func (h *userHub) enqueue(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		// Slow or dead; closing the socket makes readPump detach it.
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection send buffer full, closing connection")
		conn.Conn.Close()
	}
}

// handle runs one client command. Failures are reported to the sending connection only
// and never close it; every successful mutation is fanned out to all connections.
func (h *userHub) handle(ctx context.Context, cmd command) {
	if cmd.refresh {
		h.broadcastSnapshot(ctx, "remote")
		return
	}
	if cmd.malformed {
		h.sendError(cmd.conn, "", CodeBadRequest, errors.New("message must be a JSON object with a type"))
		return
	}

	lc := h.manager.lifecycle
	msg := cmd.msg
	logger := log.With().
		Str("kind", h.kind).
		Str("user_id", h.userID).
		Str("connection_id", cmd.conn.ID).
		Str("command", string(msg.Type)).
		Logger()

	var err error
	switch msg.Type {
	case MessageSync:
		if snap, ok := h.snapshot(ctx); ok {
			h.sendTo(cmd.conn, OutboundMessage{Type: MessageSync, Payload: snap}, "sync")
		}
		return

	case MessageInit:
		_, err = lc.Init(ctx, h.userID)

	case MessageAssignTask:
		var p AssignTaskPayload
		if jerr := decodePayload(msg.Payload, &p); jerr != nil || p.TaskID == "" {
			h.sendError(cmd.conn, msg.Type, CodeBadRequest, errors.New("assignTask requires a taskId"))
			return
		}
		_, err = lc.AssignTask(ctx, h.userID, p.TaskID)

	case MessageUnassignTask:
		_, err = lc.UnassignTask(ctx, h.userID)

	case MessageAddEvent:
		var event models.Event
		if jerr := decodePayload(msg.Payload, &event); jerr != nil {
			h.sendError(cmd.conn, msg.Type, CodeBadRequest, fmt.Errorf("invalid event: %w", jerr))
			return
		}
		if event.Is(models.DomainStopwatch, models.ActionFinish) {
			err = h.finish(ctx, event.Timestamp)
			break
		}
		_, err = lc.AddEvent(ctx, h.userID, event)

	case MessageFinish:
		var p FinishPayload
		if jerr := decodePayload(msg.Payload, &p); jerr != nil {
			h.sendError(cmd.conn, msg.Type, CodeBadRequest, fmt.Errorf("invalid finish payload: %w", jerr))
			return
		}
		err = h.finish(ctx, p.At)

	case MessageCancel:
		err = lc.Cancel(ctx, h.userID)

	default:
		h.sendError(cmd.conn, msg.Type, CodeUnknownCommand, fmt.Errorf("unknown command %q", msg.Type))
		return
	}

	if err != nil {
		logger.Debug().Err(err).Msg("command rejected")
		h.sendError(cmd.conn, msg.Type, dash.Code(err), err)
		return
	}
	h.broadcastSnapshot(ctx, string(msg.Type))
}

func (h *userHub) finish(ctx context.Context, at int64) error {
	ws, err := h.manager.lifecycle.Finish(ctx, h.userID, at)
	if err != nil {
		return err
	}
	h.broadcast(OutboundMessage{Type: MessageCommitted, Payload: committedPayload(ws)}, "committed")
	return nil
}

func (h *userHub) sendError(conn *Connection, cmd MessageType, code string, err error) {
	payload := &ErrorPayload{
		Code:      code,
		Message:   err.Error(),
		Command:   cmd,
		Retryable: dash.Retryable(err),
	}
	if reason, ok := validate.ReasonOf(err); ok {
		payload.Reason = string(reason)
	}
	h.sendTo(conn, OutboundMessage{Type: MessageError, Error: payload}, "error")
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
