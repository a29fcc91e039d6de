package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Service serves the realtime channel of every registered activity kind.
type Service struct {
	managers []*ConnectionManager
	handlers []*WebSocketHandler
}

func NewService(config ConnectionConfig, clock clockwork.Clock, exchanger TokenExchanger, lifecycles ...Lifecycle) *Service {
	s := &Service{}
	for _, lc := range lifecycles {
		cm := NewConnectionManager(lc, clock, config)
		s.managers = append(s.managers, cm)
		s.handlers = append(s.handlers, NewWebSocketHandler(cm, exchanger))
	}
	return s
}

// Start runs every connection manager until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Int("kinds", len(s.managers)).Msg("starting realtime gateway")

	var wg sync.WaitGroup
	for _, cm := range s.managers {
		wg.Add(1)
		go func(cm *ConnectionManager) {
			defer wg.Done()
			cm.Start(ctx)
		}(cm)
	}
	wg.Wait()

	log.Info().Msg("realtime gateway stopped")
	return nil
}

// RegisterRoutes registers one upgrade route per kind plus /ws/stats.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
		log.Info().Str("path", h.Path()).Msg("realtime route registered")
	}
	mux.HandleFunc("GET /ws/stats", s.HandleStats)
}

func (s *Service) Stats() []ConnectionStats {
	stats := make([]ConnectionStats, 0, len(s.managers))
	for _, cm := range s.managers {
		stats = append(stats, cm.Stats())
	}
	return stats
}

func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}
