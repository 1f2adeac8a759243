package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/splatview/splatview-agent/internal/api"
	"github.com/splatview/splatview-agent/internal/config"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/ui"
)

func newServeCmd() *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent for the browser viewer",
		Long: `Starts the local control API on 127.0.0.1 and, unless headless, a system tray
menu. The browser viewer selects images, starts sessions and fetches the
displayed point cloud through the API.`,
		Example: `  # Start with the tray icon
  splatview serve

  # Start without a tray, e.g. on a build machine
  splatview serve --headless`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg, headless || cfg.Headless())
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "Run without the system tray")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, headless bool) error {
	startTime := time.Now()

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting splatview agent",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"remote_url", logging.SanitizeURL(cfg.RemoteURL()),
	)

	a, err := newAgent(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	authToken, err := ensureAuthToken(ctx, a.repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Splatview Agent v%s\n", config.Version)
	fmt.Printf("  API URL:    http://127.0.0.1:%d\n", cfg.Port())
	fmt.Printf("  Auth Token: %s\n", authToken)
	fmt.Printf("  Service:    %s\n", logging.SanitizeURL(cfg.RemoteURL()))
	fmt.Println()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the recorder drains queued transitions on cancel; wait for it before
	// the deferred Close shuts the database
	recorderDone := make(chan struct{})
	go func() {
		a.recorder.Start(ctx)
		close(recorderDone)
	}()
	defer func() {
		cancel()
		<-recorderDone
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Controller: a.controller,
		Monitor:    a.monitor,
		Previews:   images.NewPreviewStore(logging.WithComponent(logger, "previews")),
		Viewer:     a.viewer,
		Surface:    a.surface,
		Artifacts:  a.store,
		Repository: a.repo,
		MinImages:  cfg.MinImages(),
		MaxImages:  cfg.MaxImages(),
		Logger:     logging.WithComponent(logger, "api"),
		StartTime:  startTime,
		Version:    config.Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			serverErr <- err
		}
	}()

	quitCh := make(chan struct{})

	var tray *ui.Tray
	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Controller: a.controller,
			Monitor:    a.monitor,
			Logger:     logging.WithComponent(logger, "tray"),
			OnQuit: func() {
				close(quitCh)
			},
		})
		a.controller.AddListener(tray.OnTransition)
		go tray.Run()
	}

	go func() {
		status := a.monitor.Check(ctx)
		if err := status.Err(); err != nil {
			logger.Warn("reconstruction service not ready", "error", err)
		}
		if tray != nil {
			tray.UpdateHealth(status)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-quitCh:
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		cancel()
		return err
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if tray != nil {
		tray.Quit()
	}

	logger.Info("shutdown complete")
	return nil
}
