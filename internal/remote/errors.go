package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Failure describes a failed remote call: either a transport error (Err set,
// StatusCode 0) or a non-2xx response. Detail keeps the service's `detail`
// field exactly as sent, string or object.
type Failure struct {
	StatusCode int
	Body       string
	Detail     json.RawMessage
	Err        error
}

func (f *Failure) Unwrap() error { return f.Err }

// IsRetryable returns true for server errors (5xx) and network errors.
// Client errors (4xx) are considered permanent.
func (f *Failure) IsRetryable() bool {
	return f.Err != nil || f.StatusCode >= 500
}

// RawDetail returns the service's detail field as received.
func (f *Failure) RawDetail() json.RawMessage { return f.Detail }

// DetailText renders Detail for one-line display: JSON strings are unquoted,
// objects are compacted, and an absent detail falls back to the raw body.
func (f *Failure) DetailText() string {
	if len(f.Detail) == 0 {
		return strings.TrimSpace(f.Body)
	}
	var s string
	if err := json.Unmarshal(f.Detail, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, f.Detail); err != nil {
		return string(f.Detail)
	}
	return buf.String()
}

func (f *Failure) describe(op string) string {
	if f.Err != nil {
		return fmt.Sprintf("%s failed: %v", op, f.Err)
	}
	if text := f.DetailText(); text != "" {
		return fmt.Sprintf("%s failed: HTTP %d: %s", op, f.StatusCode, text)
	}
	return fmt.Sprintf("%s failed: HTTP %d", op, f.StatusCode)
}

// UploadError represents an error from the image upload endpoint.
type UploadError struct{ Failure }

func (e *UploadError) Error() string { return e.describe("upload") }

// ReconstructError represents an error from the reconstruct endpoint.
type ReconstructError struct{ Failure }

func (e *ReconstructError) Error() string { return e.describe("reconstruct") }

// DownloadError represents an error retrieving a reconstruction artifact.
type DownloadError struct{ Failure }

func (e *DownloadError) Error() string { return e.describe("download") }

// HealthError represents a failed readiness probe attempt.
type HealthError struct{ Failure }

func (e *HealthError) Error() string { return e.describe("health check") }

// detailFromBody extracts the `detail` field of an error body. Bodies that
// are not JSON objects with a detail field are preserved as a JSON string.
func detailFromBody(body []byte) json.RawMessage {
	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Detail) > 0 && string(wrapper.Detail) != "null" {
		return wrapper.Detail
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return nil
	}
	return raw
}
