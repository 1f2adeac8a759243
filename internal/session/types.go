// Package session drives one reconstruction session at a time through
// upload, remote reconstruction and result retrieval.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/remote"
)

// Phase is the position of the active session in the workflow.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseReady      Phase = "ready"
	PhaseFailed     Phase = "failed"
)

// Active reports whether a remote call is outstanding for the phase.
func (p Phase) Active() bool {
	return p == PhaseUploading || p == PhaseProcessing
}

// Terminal reports whether the phase only leaves through Reset.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// Stage names the step an ErrorInfo came from.
type Stage string

const (
	StageUpload      Stage = "upload"
	StageReconstruct Stage = "reconstruct"
	StageLoad        Stage = "load"
)

// Result identifies the finished reconstruction artifact.
type Result struct {
	SessionID  string `json:"session_id" yaml:"session_id"`
	OutputFile string `json:"output_file" yaml:"output_file"`
	Reference  string `json:"reference" yaml:"reference"`
}

// ErrorInfo is what a failed session displays. Details holds the remote
// service's detail field exactly as received (string or object).
type ErrorInfo struct {
	Stage   Stage           `json:"stage" yaml:"stage"`
	Message string          `json:"message" yaml:"message"`
	Details json.RawMessage `json:"details,omitempty" yaml:"-"`
}

// Snapshot is a copy of the controller state. Result is set only in
// PhaseReady and Error only in PhaseFailed.
type Snapshot struct {
	ID         string     `json:"id,omitempty" yaml:"id,omitempty"`
	Generation uint64     `json:"generation" yaml:"generation"`
	Phase      Phase      `json:"phase" yaml:"phase"`
	SessionID  string     `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Result     *Result    `json:"result,omitempty" yaml:"result,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty" yaml:"error,omitempty"`
	Iterations int        `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	ImageCount int        `json:"image_count" yaml:"image_count"`
	Previews   []string   `json:"previews,omitempty" yaml:"-"`
	CreatedAt  time.Time  `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Listener observes every committed transition. Listeners run with the
// controller lock held and must not call back into the controller.
type Listener func(prev, next Phase, snap Snapshot)

// ResultHandler retrieves and displays a finished result. It is invoked once
// per session on entering PhaseReady; a returned error fails the session.
type ResultHandler interface {
	HandleResult(ctx context.Context, generation uint64, result Result) error
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, generation uint64, result Result) error

func (f ResultHandlerFunc) HandleResult(ctx context.Context, generation uint64, result Result) error {
	return f(ctx, generation, result)
}

// Backend is the part of the remote client a session uses.
type Backend interface {
	Upload(ctx context.Context, files []images.Image) (*remote.UploadResponse, error)
	Reconstruct(ctx context.Context, sessionID string, iterations int) (*remote.ReconstructResponse, error)
	ResultReference(sessionID, outputFile string) string
}

var (
	ErrSessionActive     = errors.New("a session is already uploading or processing")
	ErrResetRequired     = errors.New("session finished; reset before starting another")
	ErrNoImages          = errors.New("no image set selected")
	ErrInvalidIterations = errors.New("iterations out of range")
)
