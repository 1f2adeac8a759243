// Package remote is the client of the reconstruction service: readiness
// probe, image upload, reconstruction and artifact download.
package remote

import (
	"context"
	"io"

	"github.com/splatview/splatview-agent/internal/images"
)

// Client is the contract the health monitor and session controller call.
type Client interface {
	Health(ctx context.Context) (*HealthResponse, error)
	Upload(ctx context.Context, files []images.Image) (*UploadResponse, error)
	Reconstruct(ctx context.Context, sessionID string, iterations int) (*ReconstructResponse, error)
	Download(ctx context.Context, reference string) (io.ReadCloser, error)
	ResultReference(sessionID, outputFile string) string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status                string          `json:"status"`
	InstantSplatInstalled *bool           `json:"instantsplat_installed,omitempty"`
	CUDAAvailable         *bool           `json:"cuda_available,omitempty"`
	Device                string          `json:"device,omitempty"`
	Checks                map[string]bool `json:"checks,omitempty"`
}

// UploadResponse is the body of a successful POST /upload.
type UploadResponse struct {
	SessionID string `json:"session_id"`
}

// ReconstructResponse is the body of a successful POST /reconstruct/{session_id}.
type ReconstructResponse struct {
	OutputFile string `json:"output_file"`
}
