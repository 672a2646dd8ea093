// Package main is the entrypoint for browser-relay, the HTTP/websocket relay
// that queues commands for browser agents and stores their results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/morezero/browser-relay/internal/config"
	"github.com/morezero/browser-relay/internal/server"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "browser-relay",
		Short: "browser-relay - queue browser commands and collect results",
		Long: `browser-relay serves POST /command, POST /poll, POST|GET /result, GET /status
and GET /ws for browser agents.

Environment: RELAY_HTTP_ADDR, RELAY_RESULT_RETENTION, RELAY_LIVENESS_WINDOW,
DATABASE_URL (optional Postgres store), RUN_MIGRATIONS, MIGRATION_PATH,
COMMS_URL (optional NATS result events), RESULT_EVENT_SUBJECT, LOG_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.RunRelay()
		},
	}
	root.RunE = serve.RunE
	root.AddCommand(serve, newMigrateCmd(), newEnsureDBCmd(), newPurgeCmd())
	return root
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg)
	return cfg, nil
}

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the result store schema",
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDBConfig()
			if err != nil {
				return err
			}
			return server.MigrateUp(cmd.Context(), cfg)
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Show whether the schema is applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDBConfig()
			if err != nil {
				return err
			}
			return server.MigrateStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	})
	return migrate
}

func newEnsureDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-db [name]",
		Short: "Create the database if missing (default: the one in DATABASE_URL)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDBConfig()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := server.EnsureDB(cmd.Context(), cfg, name); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database is ready.")
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete all stored results; schema is preserved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDBConfig()
			if err != nil {
				return err
			}
			return server.PurgeResults(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "browser-relay: %v\n", err)
		os.Exit(1)
	}
}
