package main

import (
	"fmt"
	"os"

	"github.com/mcdev12/dashtrack/go/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "dashtrack",
	Short:   "dashtrack - work session lifecycle engine",
	Long:    `dashtrack tracks work sessions in an ephemeral store, syncs them to clients over a realtime channel and commits finished sessions to Postgres.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		log.Logger = cfg.Logging.Logger()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
