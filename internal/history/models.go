// Package history persists one row per submitted session so past
// reconstructions can be listed after the agent restarts.
package history

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/splatview/splatview-agent/internal/session"
)

// PhaseAbandoned marks a session that was reset while a remote call was
// still outstanding. It only exists in history; the controller goes
// straight back to idle.
const PhaseAbandoned = "abandoned"

const (
	ConfigAuthToken = "auth_token"
	abandonMessage  = "reset before completion"
)

var ErrNotFound = errors.New("session record not found")

type Record struct {
	ID              string          `json:"id" yaml:"id"`
	RemoteSessionID string          `json:"remote_session_id,omitempty" yaml:"remote_session_id,omitempty"`
	Phase           string          `json:"phase" yaml:"phase"`
	ImageCount      int             `json:"image_count" yaml:"image_count"`
	Iterations      int             `json:"iterations" yaml:"iterations"`
	OutputFile      string          `json:"output_file,omitempty" yaml:"output_file,omitempty"`
	Reference       string          `json:"reference,omitempty" yaml:"reference,omitempty"`
	ErrorStage      string          `json:"error_stage,omitempty" yaml:"error_stage,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ErrorDetail     json.RawMessage `json:"error_detail,omitempty" yaml:"-"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"updated_at"`
}

// FromSnapshot builds the persisted form of a controller snapshot.
func FromSnapshot(snap session.Snapshot) Record {
	rec := Record{
		ID:              snap.ID,
		RemoteSessionID: snap.SessionID,
		Phase:           string(snap.Phase),
		ImageCount:      snap.ImageCount,
		Iterations:      snap.Iterations,
		CreatedAt:       snap.CreatedAt,
		UpdatedAt:       snap.UpdatedAt,
	}
	if snap.Result != nil {
		rec.OutputFile = snap.Result.OutputFile
		rec.Reference = snap.Result.Reference
	}
	if snap.Error != nil {
		rec.ErrorStage = string(snap.Error.Stage)
		rec.ErrorMessage = snap.Error.Message
		rec.ErrorDetail = snap.Error.Details
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	return rec
}
