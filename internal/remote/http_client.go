package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/logging"
)

const (
	maxErrorBody = 8 * 1024
	maxJSONBody  = 64 * 1024

	RequestIDHeader = "X-Splatview-Request-Id"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// HTTPClient talks to the reconstruction service over HTTP+JSON/multipart.
// It carries no client-wide timeout: reconstruction legitimately runs for
// minutes, and health probes bound each attempt with their own context.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// BaseURL returns the service address without a trailing slash.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	var out HealthResponse
	if f := c.doJSON(req, &out); f != nil {
		return nil, &HealthError{*f}
	}
	return &out, nil
}

// Upload sends every image as one `files` part of a multipart body and
// returns the session id issued by the service.
func (c *HTTPClient) Upload(ctx context.Context, files []images.Image) (*UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		h.Set("Content-Type", f.MIMEType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create multipart part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write multipart part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("uploading images to reconstruction service",
		"url", logging.SanitizeURL(req.URL.String()),
		"image_count", len(files),
		"body_bytes", body.Len(),
	)

	start := time.Now()
	var out UploadResponse
	if f := c.doJSON(req, &out); f != nil {
		return nil, &UploadError{*f}
	}
	if out.SessionID == "" {
		return nil, &UploadError{Failure{StatusCode: http.StatusOK, Err: errors.New("response missing session_id")}}
	}

	c.logger.Info("upload succeeded", "remote_session_id", out.SessionID, "duration_ms", time.Since(start).Milliseconds())
	return &out, nil
}

// Reconstruct starts reconstruction for an uploaded session and blocks until
// the service reports the output file. iterations <= 0 leaves the choice to
// the service.
func (c *HTTPClient) Reconstruct(ctx context.Context, sessionID string, iterations int) (*ReconstructResponse, error) {
	u := c.baseURL + "/reconstruct/" + url.PathEscape(sessionID)
	if iterations > 0 {
		u += "?" + url.Values{"iterations": {strconv.Itoa(iterations)}}.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Info("requesting reconstruction", "remote_session_id", sessionID, "iterations", iterations)

	start := time.Now()
	var out ReconstructResponse
	if f := c.doJSON(req, &out); f != nil {
		return nil, &ReconstructError{*f}
	}
	if out.OutputFile == "" {
		return nil, &ReconstructError{Failure{StatusCode: http.StatusOK, Err: errors.New("response missing output_file")}}
	}

	c.logger.Info("reconstruction succeeded",
		"remote_session_id", sessionID,
		"output_file", out.OutputFile,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &out, nil
}

// Download opens the artifact behind a result reference. The caller closes
// the returned body.
func (c *HTTPClient) Download(ctx context.Context, reference string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, reference, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &DownloadError{Failure{Err: fmt.Errorf("http request failed: %w", err)}}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &DownloadError{Failure{StatusCode: resp.StatusCode, Body: string(body), Detail: detailFromBody(body)}}
	}
	return resp.Body, nil
}

// ResultReference builds the download locator for a finished reconstruction.
func (c *HTTPClient) ResultReference(sessionID, outputFile string) string {
	return c.baseURL + "/download/" + url.PathEscape(sessionID) + "/" + url.PathEscape(outputFile)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	return req, nil
}

func (c *HTTPClient) doJSON(req *http.Request, out any) *Failure {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Failure{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Failure{StatusCode: resp.StatusCode, Body: string(body), Detail: detailFromBody(body)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return &Failure{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Failure{StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
