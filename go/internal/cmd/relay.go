package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/config"
	"github.com/mcdev12/dashtrack/go/internal/dash/outbox"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish committed work sessions from the outbox",
	RunE:  runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := cfg.Database.Open(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	relay, closeRelay, err := setupRelay(ctx, database, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer closeRelay()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", relay.HealthHandler(cfg.Outbox.StaleAfter))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Outbox.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("relay health server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("relay health server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return relay.Start(ctx)
}

// setupRelay wires the configured publisher and LISTEN wakeup into a relay. The returned
// func releases the publisher and listener.
func setupRelay(ctx context.Context, database *sql.DB, clock clockwork.Clock) (*outbox.Relay, func(), error) {
	var (
		publisher outbox.Publisher = outbox.LogPublisher{}
		cleanup                    = func() {}
	)
	if cfg.Outbox.Publisher == config.PublisherNATS {
		js, err := outbox.NewJetStreamPublisher(ctx, cfg.Outbox.JetStream)
		if err != nil {
			return nil, nil, err
		}
		publisher = js
		cleanup = func() {
			if err := js.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close JetStream publisher")
			}
		}
	}

	var wakeup outbox.Wakeup
	if cfg.Outbox.Listen {
		w, err := outbox.ListenPostgres(cfg.Database.DSN(), outbox.NotifyChannel, cfg.Outbox.PingInterval)
		if err != nil {
			// The fallback poll still drains the outbox.
			log.Warn().Err(err).Msg("failed to listen for outbox notifications")
		} else {
			wakeup = w
			closePublisher := cleanup
			cleanup = func() {
				if err := w.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close outbox listener")
				}
				closePublisher()
			}
		}
	}

	relay := outbox.NewRelay(database, sqlutil.Postgres, publisher, wakeup, clock, cfg.Outbox.Relay)
	return relay, cleanup, nil
}
