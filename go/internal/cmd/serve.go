package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var withRelay bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the realtime gateway and token endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withRelay, "with-relay", false, "Also run the outbox relay in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	database, err := cfg.Database.Open(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	services, err := setupServices(ctx, cfg, database, clock)
	if err != nil {
		return err
	}
	defer services.Close()

	server := setupServer(cfg, services)

	go func() {
		if err := services.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("realtime gateway failed")
		}
	}()

	if withRelay {
		relay, closeRelay, err := setupRelay(ctx, database, clock)
		if err != nil {
			return err
		}
		defer closeRelay()
		go func() {
			if err := relay.Start(ctx); err != nil {
				log.Error().Err(err).Msg("outbox relay failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("version", version).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
