package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/splatview/splatview-agent/internal/config"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/session"
	"github.com/splatview/splatview-agent/internal/viewer"
)

type reconstructReport struct {
	Session session.Snapshot `json:"session" yaml:"session"`
	Scene   *viewer.Loaded   `json:"scene,omitempty" yaml:"scene,omitempty"`
	Warning string           `json:"warning,omitempty" yaml:"warning,omitempty"`
}

func newReconstructCmd(opts *rootOptions) *cobra.Command {
	var iterations int
	var skipHealth bool

	cmd := &cobra.Command{
		Use:   "reconstruct <image>...",
		Short: "Reconstruct a point cloud from photos",
		Long: `Validates the given photos, uploads them to the reconstruction service, waits
for the point cloud and loads it. The artifact is kept under the data directory
and the session is recorded in history.`,
		Example: `  splatview reconstruct shots/*.jpg
  splatview reconstruct --iterations 3000 a.png b.png c.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel())

			files, err := readImages(args)
			if err != nil {
				return err
			}
			set, err := images.Validate(files, cfg.MinImages(), cfg.MaxImages())
			if err != nil {
				return err
			}

			a, err := newAgent(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()

			// the recorder outlives an interrupt so the abandoned session is
			// still written by the Flush below
			recCtx, recCancel := context.WithCancel(context.WithoutCancel(ctx))
			recorderDone := make(chan struct{})
			go func() {
				a.recorder.Start(recCtx)
				close(recorderDone)
			}()
			defer func() {
				recCancel()
				<-recorderDone
			}()

			report := reconstructReport{}
			if !skipHealth {
				if err := a.monitor.Check(ctx).Err(); err != nil {
					report.Warning = err.Error()
					logger.Warn("reconstruction service not ready; submitting anyway", "error", err)
				}
			}

			if err := a.controller.Select(set); err != nil {
				return err
			}
			if _, err := a.controller.Submit(ctx, iterations); err != nil {
				return err
			}

			snap, err := a.controller.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				snap = a.controller.Reset()
				logger.Warn("interrupted; session abandoned")
			} else if err != nil {
				return err
			}

			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := a.recorder.Flush(flushCtx); err != nil {
				logger.Warn("history not flushed", "error", err)
			}

			report.Session = snap
			if loaded, ok := a.viewer.Last(); ok {
				report.Scene = &loaded
			}
			if err := opts.print(cmd.OutOrStdout(), report); err != nil {
				return err
			}

			switch snap.Phase {
			case session.PhaseReady:
				return nil
			case session.PhaseFailed:
				return fmt.Errorf("%s failed: %s", snap.Error.Stage, snap.Error.Message)
			}
			return fmt.Errorf("session ended in phase %s", snap.Phase)
		},
	}

	cmd.Flags().IntVarP(&iterations, "iterations", "n", 0,
		fmt.Sprintf("Optimization iterations (%d-%d, default from $SPLATVIEW_ITERATIONS)", config.MinIterations, config.MaxIterations))
	cmd.Flags().BoolVar(&skipHealth, "skip-health", false, "Do not probe the service before submitting")

	return cmd
}

func readImages(paths []string) ([]images.Image, error) {
	files := make([]images.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		name := filepath.Base(p)
		files = append(files, images.Image{
			Name:     name,
			MIMEType: images.DetectMIME(name, data),
			Size:     int64(len(data)),
			Data:     data,
		})
	}
	return files, nil
}
