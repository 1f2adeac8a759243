package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/splatview/splatview-agent/internal/artifact"
	"github.com/splatview/splatview-agent/internal/config"
	"github.com/splatview/splatview-agent/internal/db"
	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/history"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/pointcloud"
	"github.com/splatview/splatview-agent/internal/remote"
	"github.com/splatview/splatview-agent/internal/session"
	"github.com/splatview/splatview-agent/internal/viewer"
)

// agent is the wired session pipeline shared by serve and reconstruct.
type agent struct {
	cfg        config.Config
	logger     *slog.Logger
	database   *db.DB
	repo       *history.SQLiteRepository
	client     *remote.HTTPClient
	monitor    *health.Monitor
	store      *artifact.Store
	surface    *pointcloud.MemorySurface
	renderer   *pointcloud.Renderer
	controller *session.Controller
	viewer     *viewer.Handler
	recorder   *history.Recorder
}

// newAgent wires the pipeline. Only the long-running agent owns recovery of
// interrupted sessions; one-shot commands open the database without it.
func newAgent(cfg config.Config, logger *slog.Logger, owner bool) (*agent, error) {
	openDB := db.Open
	if owner {
		openDB = db.New
	}
	database, err := openDB(cfg.DBPath(), logging.WithComponent(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := artifact.NewStore(cfg.ArtifactsDir(), logging.WithComponent(logger, "artifacts"))
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &agent{
		cfg:      cfg,
		logger:   logger,
		database: database,
		repo:     history.NewRepository(database.Conn()),
		store:    store,
	}

	a.client = remote.NewHTTPClient(cfg.RemoteURL(), logging.WithComponent(logger, "remote"))
	a.monitor = health.NewMonitor(a.client, health.Options{
		Attempts:       cfg.HealthRetries(),
		AttemptTimeout: cfg.HealthTimeout(),
	}, logging.WithComponent(logger, "health"))

	a.surface = pointcloud.NewMemorySurface()
	a.renderer = pointcloud.NewRenderer(a.surface, logging.WithComponent(logger, "renderer"))

	a.controller = session.NewController(a.client, session.Options{
		DefaultIterations: cfg.Iterations(),
		MinIterations:     config.MinIterations,
		MaxIterations:     config.MaxIterations,
	}, logging.WithComponent(logger, "session"))

	a.viewer = viewer.New(a.client, a.store, a.renderer, a.controller.IsCurrent, logging.WithComponent(logger, "viewer"))
	a.controller.SetResultHandler(a.viewer)
	a.controller.AddListener(a.viewer.OnTransition)

	a.recorder = history.NewRecorder(a.repo, logging.WithComponent(logger, "history"))
	a.controller.AddListener(a.recorder.Observe)

	return a, nil
}

func (a *agent) Close() error {
	a.renderer.Dispose()
	return a.database.Close()
}

func ensureAuthToken(ctx context.Context, repo history.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, history.ConfigAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, history.ConfigAuthToken, token); err != nil {
		return "", err
	}
	return token, nil
}
