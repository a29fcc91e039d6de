package main

import (
	"fmt"
	"net/http"

	"github.com/mcdev12/dashtrack/go/internal/config"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(cfg *config.Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	registerServices(mux, cfg, services)
	setupHealthCheck(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	handler := c.Handler(mux)

	// Realtime upgrades arrive over HTTP/1.1; h2c serves everything else.
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerServices(mux *http.ServeMux, cfg *config.Config, services *Services) {
	mux.Handle("/api/realtime/token", services.Exchanger.TokenHandler(int64(cfg.Auth.TokenTTL.Seconds())))
	services.Gateway.RegisterRoutes(mux)
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
