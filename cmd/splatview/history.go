package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/splatview/splatview-agent/internal/config"
	"github.com/splatview/splatview-agent/internal/db"
	"github.com/splatview/splatview-agent/internal/history"
	"github.com/splatview/splatview-agent/internal/logging"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded reconstruction sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			database, err := db.Open(cfg.DBPath(), logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel()))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			records, err := history.NewRepository(database.Conn()).ListSessions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			if records == nil {
				records = []*history.Record{}
			}
			return opts.print(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of sessions to list (0 for all)")

	return cmd
}
