package pointcloud

import (
	"fmt"
	"log/slog"
	"sync"
)

// Resident is a scene's buffers uploaded to a surface.
type Resident interface {
	Release()
}

// Surface is the view a Renderer draws on. Only the Renderer attaches and
// detaches scenes.
type Surface interface {
	Upload(scene *Scene) (Resident, error)
	Attach(r Resident) error
	Detach(r Resident)
}

// Renderer owns the single scene attached to a surface.
type Renderer struct {
	surface Surface
	logger  *slog.Logger

	mu       sync.Mutex
	scene    *Scene
	resident Resident
}

func NewRenderer(surface Surface, logger *slog.Logger) *Renderer {
	return &Renderer{surface: surface, logger: logger}
}

// Attach replaces the displayed scene. The previous scene is detached and
// its buffers released before the new one is uploaded.
func (r *Renderer) Attach(scene *Scene) error {
	_, err := r.AttachIf(scene, nil)
	return err
}

// AttachIf is Attach guarded by current, evaluated under the renderer lock.
// When current reports false the displayed scene is left untouched.
func (r *Renderer) AttachIf(scene *Scene, current func() bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current != nil && !current() {
		r.logger.Info("discarding scene for a superseded session", "points", scene.Len())
		return false, nil
	}

	r.releaseLocked()

	res, err := r.surface.Upload(scene)
	if err != nil {
		return false, fmt.Errorf("upload scene: %w", err)
	}
	if err := r.surface.Attach(res); err != nil {
		res.Release()
		return false, fmt.Errorf("attach scene: %w", err)
	}

	r.scene = scene
	r.resident = res
	r.logger.Info("scene attached", "points", scene.Len(), "vertex_colors", scene.Material.VertexColors)
	return true, nil
}

// Dispose detaches and releases the displayed scene, if any.
func (r *Renderer) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resident != nil {
		r.logger.Info("scene disposed", "points", r.scene.Len())
	}
	r.releaseLocked()
}

// Current returns the displayed scene or nil.
func (r *Renderer) Current() *Scene {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scene
}

func (r *Renderer) releaseLocked() {
	if r.resident == nil {
		return
	}
	r.surface.Detach(r.resident)
	r.resident.Release()
	r.resident = nil
	r.scene = nil
}
