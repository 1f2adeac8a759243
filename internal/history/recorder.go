package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splatview/splatview-agent/internal/session"
)

type write struct {
	rec    Record
	create bool
	done   chan struct{}
}

// Recorder persists controller transitions. Observe is registered as a
// session listener and only queues; Start performs the writes so the
// controller lock is never held across a database call.
type Recorder struct {
	repo    Repository
	logger  *slog.Logger
	queue   chan write
	running atomic.Bool

	mu      sync.Mutex
	current Record
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan write, 64),
	}
}

// Observe is a session.Listener.
func (r *Recorder) Observe(prev, next session.Phase, snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case next == session.PhaseUploading:
		r.current = FromSnapshot(snap)
		r.queue <- write{rec: r.current, create: true}

	case next == session.PhaseIdle:
		if prev.Active() && r.current.ID != "" {
			rec := r.current
			rec.Phase = PhaseAbandoned
			rec.ErrorMessage = abandonMessage
			rec.UpdatedAt = snap.UpdatedAt
			r.queue <- write{rec: rec}
		}
		r.current = Record{}

	case snap.ID != "":
		r.current = FromSnapshot(snap)
		r.queue <- write{rec: r.current}
	}
}

// Start writes queued records until ctx is done, then drains what is left.
func (r *Recorder) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	r.logger.Info("history recorder started")
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logger.Info("history recorder stopping")
			return
		case w := <-r.queue:
			// a write already dequeued finishes even if ctx is cancelled meanwhile
			r.apply(context.WithoutCancel(ctx), w)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case w := <-r.queue:
			r.apply(ctx, w)
		default:
			return
		}
	}
}

// Flush waits until every record queued before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.queue <- write{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) apply(ctx context.Context, w write) {
	if w.done != nil {
		close(w.done)
		return
	}

	var err error
	if w.create {
		err = r.repo.CreateSession(ctx, &w.rec)
	} else {
		err = r.repo.UpdateSession(ctx, &w.rec)
		if errors.Is(err, ErrNotFound) {
			err = r.repo.CreateSession(ctx, &w.rec)
		}
	}
	if err != nil {
		r.logger.Error("failed to record session", "session_id", w.rec.ID, "phase", w.rec.Phase, "error", err)
	}
}
