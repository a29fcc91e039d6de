package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcdev12/dashtrack/go/internal/dash/worksession"
	"github.com/mcdev12/dashtrack/go/internal/dash/worksession/schema"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/spf13/cobra"
)

var (
	sessionsUser  string
	sessionsKind  string
	sessionsLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List committed work sessions of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsUser == "" {
			return fmt.Errorf("--user is required")
		}

		database, err := cfg.Database.Open(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		repo := worksession.NewRepository(worksession.New(database, sqlutil.Postgres))
		sessions, err := repo.ListWorkSessions(cmd.Context(), sessionsUser, sessionsKind, sessionsLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the Postgres schema",
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(os.Stdout, schema.Postgres)
		return err
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsUser, "user", "", "User id")
	sessionsCmd.Flags().StringVar(&sessionsKind, "kind", "dash", "Activity kind (dash or session)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")
	rootCmd.AddCommand(sessionsCmd, schemaCmd)
}
