package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/config"
	"github.com/mcdev12/dashtrack/go/internal/dash"
	"github.com/mcdev12/dashtrack/go/internal/dash/auth"
	"github.com/mcdev12/dashtrack/go/internal/dash/ephemeral"
	"github.com/mcdev12/dashtrack/go/internal/dash/gateway"
	"github.com/mcdev12/dashtrack/go/internal/dash/worksession"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Dash      *dash.App[models.Dash]
	Focus     *dash.App[models.Focus]
	Exchanger *auth.Exchanger
	Gateway   *gateway.Service

	closers []func() error
}

func (s *Services) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Error().Err(err).Msg("failed to close service dependency")
		}
	}
}

func setupServices(ctx context.Context, cfg *config.Config, database *sql.DB, clock clockwork.Clock) (*Services, error) {
	// Durable store → ephemeral stores → apps → realtime gateway
	s := &Services{}
	committer := worksession.NewCommitter(database, sqlutil.Postgres, clock)

	var (
		dashStore  ephemeral.Store
		focusStore ephemeral.Store
		tokens     auth.TokenStore
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := cfg.Redis.Open(ctx)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		dashStore = ephemeral.NewRedisStore[models.Dash](client, clock, cfg.Store.TTL)
		focusStore = ephemeral.NewRedisStore[models.Focus](client, clock, cfg.Store.TTL)
		tokens = auth.NewRedisTokenStore(client, cfg.Auth.TokenTTL)
	case config.BackendMemory:
		log.Warn().Msg("using in-memory session store; sessions are lost on restart")
		dashStore = ephemeral.NewMemoryStore[models.Dash](cfg.Store.MemorySize, clock, cfg.Store.TTL)
		focusStore = ephemeral.NewMemoryStore[models.Focus](cfg.Store.MemorySize, clock, cfg.Store.TTL)
		tokens = auth.NewMemoryTokenStore(cfg.Store.MemorySize, cfg.Auth.TokenTTL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var verifier auth.Verifier
	switch cfg.Auth.Mode {
	case config.AuthModeHeader:
		log.Warn().Str("header", cfg.Auth.DevHeader).Msg("trusting user id header; do not use in production")
		verifier = auth.HeaderVerifier{Header: cfg.Auth.DevHeader, TTL: cfg.Store.TTL, Now: clock.Now}
	default:
		verifier = auth.NewHTTPVerifier(cfg.Auth.BaseURL, cfg.Auth.SessionEndpoint, cfg.Auth.Timeout)
	}

	s.Dash = dash.NewApp[models.Dash](dashStore, committer, clock)
	s.Focus = dash.NewApp[models.Focus](focusStore, committer, clock)
	s.Exchanger = auth.NewExchanger(verifier, tokens, clock)
	s.Gateway = gateway.NewService(cfg.Gateway, clock, s.Exchanger, s.Dash, s.Focus)

	return s, nil
}
