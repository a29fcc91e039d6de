package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Exchanger issues realtime tokens to verified callers and redeems them at handshake.
type Exchanger struct {
	verifier Verifier
	tokens   TokenStore
	clock    clockwork.Clock
}

func NewExchanger(verifier Verifier, tokens TokenStore, clock clockwork.Clock) *Exchanger {
	return &Exchanger{verifier: verifier, tokens: tokens, clock: clock}
}

// Exchange redeems a one-time token and returns the identity it was issued for.
func (e *Exchanger) Exchange(ctx context.Context, token string) (*Identity, error) {
	identity, err := e.tokens.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity.Expired(e.clock.Now()) {
		return nil, ErrSessionExpired
	}
	return identity, nil
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// TokenHandler serves POST /api/realtime/token.
func (e *Exchanger) TokenHandler(ttlSeconds int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		identity, err := e.verifier.VerifySession(r.Context(), r.Header)
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				log.Error().Err(err).Msg("failed to verify session")
			}
			metrics.HandshakeFailures.WithLabelValues("unauthenticated").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if identity.Expired(e.clock.Now()) {
			metrics.HandshakeFailures.WithLabelValues("expired").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		token, err := e.tokens.Issue(r.Context(), *identity)
		if err != nil {
			log.Error().Err(err).Str("user_id", identity.UserID).Msg("failed to issue realtime token")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresIn: ttlSeconds})
	}
}
