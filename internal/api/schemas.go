package api

import (
	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/history"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/session"
	"github.com/splatview/splatview-agent/internal/viewer"
)

const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInvalidFiles = "INVALID_FILES"
	CodeInternal     = "INTERNAL_ERROR"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type IterationBounds struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

type ImageBounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type StatusResponse struct {
	Session    session.Snapshot `json:"session"`
	Remote     health.Status    `json:"remote"`
	Scene      *viewer.Loaded   `json:"scene,omitempty"`
	Iterations IterationBounds  `json:"iterations"`
	Images     ImageBounds      `json:"images"`
}

type StartRequest struct {
	Iterations int `json:"iterations,omitempty"`
}

// StartResponse carries a warning when the remote service did not look
// ready; the session is started regardless.
type StartResponse struct {
	Session session.Snapshot `json:"session"`
	Warning string           `json:"warning,omitempty"`
}

type SelectedImage struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Preview  string `json:"preview,omitempty"`
}

type SelectResponse struct {
	Images     []SelectedImage `json:"images"`
	TotalBytes int64           `json:"total_bytes"`
}

type ValidationErrorResponse struct {
	Error string           `json:"error"`
	Code  string           `json:"code"`
	Kind  images.ErrorKind `json:"kind"`
	Count int              `json:"count"`
	Min   int              `json:"min"`
	Max   int              `json:"max"`
	File  string           `json:"file,omitempty"`
}

type SessionsResponse struct {
	Sessions []*history.Record `json:"sessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func selectResponse(set *images.ImageSet) SelectResponse {
	imgs := set.Images()
	previews := set.Previews()
	resp := SelectResponse{Images: make([]SelectedImage, len(imgs)), TotalBytes: set.TotalBytes()}
	for i, img := range imgs {
		resp.Images[i] = SelectedImage{Name: img.Name, MIMEType: img.MIMEType, Size: img.Size}
		if i < len(previews) {
			resp.Images[i].Preview = previews[i]
		}
	}
	return resp
}

func validationErrorResponse(err *images.ValidationError) ValidationErrorResponse {
	return ValidationErrorResponse{
		Error: err.Message,
		Code:  CodeInvalidFiles,
		Kind:  err.Kind,
		Count: err.Count,
		Min:   err.Min,
		Max:   err.Max,
		File:  err.File,
	}
}
