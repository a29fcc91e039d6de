package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/mcdev12/dashtrack/go/internal/dash/auth"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/rs/zerolog/log"
)

// TokenExchanger redeems the one-time token presented at handshake.
type TokenExchanger interface {
	Exchange(ctx context.Context, token string) (*auth.Identity, error)
}

// WebSocketHandler authenticates upgrade requests and hands them to a ConnectionManager.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	exchanger         TokenExchanger
}

func NewWebSocketHandler(cm *ConnectionManager, exchanger TokenExchanger) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		exchanger:         exchanger,
	}
}

// Path is the upgrade route of the handler's activity kind.
func (h *WebSocketHandler) Path() string {
	return "/ws/" + h.connectionManager.lifecycle.Kind()
}

// HandleConnection exchanges the token query parameter for an identity before upgrading.
// Missing, invalid, reused and expired tokens are refused with 401.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		metrics.HandshakeFailures.WithLabelValues("missing_token").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.exchanger.Exchange(r.Context(), token)
	if err != nil {
		reason := "invalid_token"
		switch {
		case errors.Is(err, auth.ErrSessionExpired):
			reason = "session_expired"
		case !errors.Is(err, auth.ErrTokenInvalid):
			reason = "exchange_error"
			log.Error().Err(err).Msg("failed to exchange realtime token")
		}
		metrics.HandshakeFailures.WithLabelValues(reason).Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, identity.UserID); err != nil {
		// The upgrader has already answered the request.
		log.Error().
			Err(err).
			Str("user_id", identity.UserID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.Path(), h.HandleConnection)
}
