package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/splatview/splatview-agent/internal/config"
	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/remote"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var remoteURL string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether the reconstruction service is ready",
		Long: `Probes GET /health on the reconstruction service, retrying with a short
backoff, and prints the diagnostic. Exits non-zero when the service is not ready.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if remoteURL == "" {
				remoteURL = cfg.RemoteURL()
			}

			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel())
			client := remote.NewHTTPClient(remoteURL, logger)
			monitor := health.NewMonitor(client, health.Options{
				Attempts:       cfg.HealthRetries(),
				AttemptTimeout: cfg.HealthTimeout(),
			}, logger)

			status := monitor.Check(cmd.Context())
			if err := opts.print(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			return status.Err()
		},
	}

	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "Reconstruction service base URL (defaults to $SPLATVIEW_REMOTE_URL)")

	return cmd
}
