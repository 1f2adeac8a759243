package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/logging"
)

const (
	DefaultIterations = 1000
	MinIterations     = 500
	MaxIterations     = 5000
)

type Options struct {
	DefaultIterations int
	MinIterations     int
	MaxIterations     int
	ResultHandler     ResultHandler
}

// Controller owns the single active session. Every remote call is issued
// under the generation current at Submit; a resolution arriving after the
// generation moved on is discarded.
type Controller struct {
	backend     Backend
	handler     ResultHandler
	logger      *slog.Logger
	defaultIter int
	minIter     int
	maxIter     int
	now         func() time.Time

	generation atomic.Uint64

	mu        sync.Mutex
	state     Snapshot
	selection *images.ImageSet
	listeners []Listener
	done      chan struct{}
}

func NewController(backend Backend, opts Options, logger *slog.Logger) *Controller {
	if opts.MinIterations <= 0 {
		opts.MinIterations = MinIterations
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = MaxIterations
	}
	if opts.DefaultIterations <= 0 {
		opts.DefaultIterations = DefaultIterations
	}
	c := &Controller{
		backend:     backend,
		handler:     opts.ResultHandler,
		logger:      logger,
		defaultIter: opts.DefaultIterations,
		minIter:     opts.MinIterations,
		maxIter:     opts.MaxIterations,
		now:         time.Now,
	}
	c.state = Snapshot{Phase: PhaseIdle}
	return c
}

// SetResultHandler installs the handler run on entering PhaseReady. It is
// split from NewController because the handler usually needs IsCurrent.
func (c *Controller) SetResultHandler(h ResultHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// AddListener registers a listener for phase transitions.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Generation returns the current session generation.
func (c *Controller) Generation() uint64 {
	return c.generation.Load()
}

// IsCurrent reports whether work issued under gen still belongs to the live
// session. It never takes the controller lock.
func (c *Controller) IsCurrent(gen uint64) bool {
	return c.generation.Load() == gen
}

// IterationBounds returns the accepted iteration range and default.
func (c *Controller) IterationBounds() (minIter, maxIter, def int) {
	return c.minIter, c.maxIter, c.defaultIter
}

// Select stores a confirmed image set for the next Submit. The previously
// selected set is released.
func (c *Controller) Select(set *images.ImageSet) error {
	if set == nil || set.Len() == 0 {
		return ErrNoImages
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireIdleLocked(); err != nil {
		return err
	}
	if c.selection != set {
		c.selection.Release()
	}
	c.selection = set
	c.logger.Debug("image set selected", "image_count", set.Len())
	return nil
}

// Submit starts the selected image set on its way: Idle → Uploading, then
// upload and reconstruct run sequentially in the background. iterations of
// zero selects the configured default.
func (c *Controller) Submit(ctx context.Context, iterations int) (Snapshot, error) {
	if iterations == 0 {
		iterations = c.defaultIter
	}
	if iterations < c.minIter || iterations > c.maxIter {
		return Snapshot{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidIterations, iterations, c.minIter, c.maxIter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireIdleLocked(); err != nil {
		return Snapshot{}, err
	}
	if c.selection == nil {
		return Snapshot{}, ErrNoImages
	}

	gen := c.generation.Load()
	now := c.now()
	c.done = make(chan struct{})
	c.commitLocked(PhaseUploading, func(s *Snapshot) {
		s.ID = uuid.NewString()
		s.Iterations = iterations
		s.CreatedAt = now
	})

	snap := c.snapshotLocked()
	logger := logging.WithSessionID(c.logger, snap.ID, gen)
	files := c.selection.Images()

	go c.run(context.WithoutCancel(ctx), logger, gen, files, iterations)
	return snap, nil
}

// Reset returns the controller to PhaseIdle, discarding the session identity,
// result and error and releasing the selected images. Calls still in flight
// are not aborted; their resolutions are ignored.
func (c *Controller) Reset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Phase
	if prev == PhaseIdle && c.selection == nil {
		return c.snapshotLocked()
	}

	gen := c.generation.Add(1)
	c.selection.Release()
	c.selection = nil
	c.closeDoneLocked()

	if prev.Active() {
		c.logger.Warn("session abandoned while in flight", "session_id", c.state.ID, "phase", prev)
	}

	c.state = Snapshot{Phase: PhaseIdle, Generation: gen, UpdatedAt: c.now()}
	snap := c.snapshotLocked()
	for _, l := range c.listeners {
		l(prev, PhaseIdle, snap)
	}
	c.logger.Info("session reset", "from", prev, "generation", gen)
	return snap
}

// Wait blocks until the current session stops making progress (terminal
// phase with its result handled, or reset) and returns the state then.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

func (c *Controller) run(ctx context.Context, logger *slog.Logger, gen uint64, files []images.Image, iterations int) {
	defer c.finish(gen)

	logger.Info("uploading images", "image_count", len(files))
	up, err := c.backend.Upload(ctx, files)
	if err != nil {
		logger.Error("upload failed", "error", err)
		c.advance(gen, PhaseUploading, PhaseFailed, func(s *Snapshot) {
			s.Error = errorInfo(StageUpload, err)
		})
		return
	}
	if !c.advance(gen, PhaseUploading, PhaseProcessing, func(s *Snapshot) {
		s.SessionID = up.SessionID
	}) {
		return
	}

	logger.Info("reconstruction started", "remote_session_id", up.SessionID, "iterations", iterations)
	rec, err := c.backend.Reconstruct(ctx, up.SessionID, iterations)
	if err != nil {
		logger.Error("reconstruction failed", "remote_session_id", up.SessionID, "error", err)
		c.advance(gen, PhaseProcessing, PhaseFailed, func(s *Snapshot) {
			s.Error = errorInfo(StageReconstruct, err)
		})
		return
	}

	result := Result{
		SessionID:  up.SessionID,
		OutputFile: rec.OutputFile,
		Reference:  c.backend.ResultReference(up.SessionID, rec.OutputFile),
	}
	if !c.advance(gen, PhaseProcessing, PhaseReady, func(s *Snapshot) {
		s.Result = &result
	}) {
		return
	}
	logger.Info("reconstruction ready", "reference", logging.SanitizeURL(result.Reference))

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	if err := handler.HandleResult(ctx, gen, result); err != nil {
		logger.Error("result retrieval failed", "error", err)
		c.advance(gen, PhaseReady, PhaseFailed, func(s *Snapshot) {
			s.Result = nil
			s.Error = errorInfo(StageLoad, err)
		})
	}
}

// advance commits from → to when gen is still current and the session is
// still in from. A stale resolution is logged and dropped.
func (c *Controller) advance(gen uint64, from, to Phase, mutate func(*Snapshot)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsCurrent(gen) || c.state.Phase != from {
		c.logger.Info("discarding stale session resolution",
			"generation", gen,
			"current_generation", c.generation.Load(),
			"phase", c.state.Phase,
			"target", to,
		)
		return false
	}
	c.commitLocked(to, mutate)
	return true
}

func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsCurrent(gen) {
		c.closeDoneLocked()
	}
}

func (c *Controller) commitLocked(next Phase, mutate func(*Snapshot)) {
	prev := c.state.Phase
	if mutate != nil {
		mutate(&c.state)
	}
	c.state.Phase = next
	c.state.Generation = c.generation.Load()
	c.state.UpdatedAt = c.now()

	c.logger.Debug("session transition", "from", prev, "to", next, "session_id", c.state.ID)
	snap := c.snapshotLocked()
	for _, l := range c.listeners {
		l(prev, next, snap)
	}
}

func (c *Controller) requireIdleLocked() error {
	switch {
	case c.state.Phase.Active():
		return ErrSessionActive
	case c.state.Phase.Terminal():
		return ErrResetRequired
	}
	return nil
}

func (c *Controller) closeDoneLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := c.state
	snap.ImageCount = c.selection.Len()
	snap.Previews = slices.Clone(c.selection.Previews())
	return snap
}

// errorInfo keeps the remote detail field in the shape it arrived in.
func errorInfo(stage Stage, err error) *ErrorInfo {
	info := &ErrorInfo{Stage: stage, Message: err.Error()}
	var d interface{ RawDetail() json.RawMessage }
	if errors.As(err, &d) {
		info.Details = d.RawDetail()
	}
	return info
}
