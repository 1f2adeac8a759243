// Package viewer connects a finished session to the point-cloud renderer:
// it fetches the artifact once, keeps a local copy and attaches the scene.
package viewer

import (
	"context"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/splatview/splatview-agent/internal/artifact"
	"github.com/splatview/splatview-agent/internal/pointcloud"
	"github.com/splatview/splatview-agent/internal/session"
)

// Downloader retrieves an artifact by result reference.
type Downloader interface {
	Download(ctx context.Context, reference string) (io.ReadCloser, error)
}

// Loaded describes the scene currently on display.
type Loaded struct {
	Generation uint64             `json:"generation" yaml:"generation"`
	Result     session.Result     `json:"result" yaml:"result"`
	Path       string             `json:"-" yaml:"path"`
	Bytes      int64              `json:"bytes" yaml:"bytes"`
	Summary    pointcloud.Summary `json:"summary" yaml:"summary"`
	LoadedAt   time.Time          `json:"loaded_at" yaml:"loaded_at"`
}

type Handler struct {
	downloader Downloader
	store      *artifact.Store
	renderer   *pointcloud.Renderer
	isCurrent  func(gen uint64) bool
	logger     *slog.Logger

	mu   sync.RWMutex
	last *Loaded

	// beforePublish runs between attaching a scene and recording it; tests
	// use it to interleave a reset.
	beforePublish func()
}

// New returns a result handler. isCurrent reports whether a generation is
// still live; it must not block on the session controller.
func New(d Downloader, store *artifact.Store, renderer *pointcloud.Renderer, isCurrent func(uint64) bool, logger *slog.Logger) *Handler {
	return &Handler{
		downloader: d,
		store:      store,
		renderer:   renderer,
		isCurrent:  isCurrent,
		logger:     logger,
	}
}

// HandleResult downloads the artifact, parses it and attaches the scene,
// unless the session was reset meanwhile.
func (h *Handler) HandleResult(ctx context.Context, gen uint64, result session.Result) error {
	start := time.Now()

	body, err := h.downloader.Download(ctx, result.Reference)
	if err != nil {
		return &pointcloud.LoadError{Reference: result.Reference, Err: err}
	}
	file, n, err := h.store.Save(result.SessionID, path.Base(result.OutputFile), body)
	body.Close()
	if err != nil {
		return &pointcloud.LoadError{Reference: result.Reference, Err: err}
	}

	scene, err := pointcloud.LoadScene(ctx, pointcloud.FileOpener, file)
	if err != nil {
		return err
	}

	attached, err := h.renderer.AttachIf(scene, func() bool { return h.isCurrent(gen) })
	if err != nil {
		return err
	}
	if !attached {
		return nil
	}

	if h.beforePublish != nil {
		h.beforePublish()
	}

	// a reset after the attach has already disposed the scene; OnTransition
	// clears last under the same lock once the generation has moved on
	h.mu.Lock()
	if !h.isCurrent(gen) {
		h.mu.Unlock()
		h.logger.Info("discarding result for a reset session", "remote_session_id", result.SessionID)
		return nil
	}
	h.last = &Loaded{
		Generation: gen,
		Result:     result,
		Path:       file,
		Bytes:      n,
		Summary:    scene.Summary(),
		LoadedAt:   time.Now(),
	}
	h.mu.Unlock()

	h.logger.Info("result displayed",
		"remote_session_id", result.SessionID,
		"points", scene.Len(),
		"bytes", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Last returns what is on display.
func (h *Handler) Last() (Loaded, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Loaded{}, false
	}
	return *h.last, true
}

// OnTransition is a session listener: leaving the session for idle disposes
// the displayed scene.
func (h *Handler) OnTransition(prev, next session.Phase, snap session.Snapshot) {
	if next != session.PhaseIdle {
		return
	}
	h.renderer.Dispose()
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()
}

var _ session.ResultHandler = (*Handler)(nil)
