// Package artifact keeps downloaded reconstruction results on disk and
// serves them back over HTTP with byte-range support.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/splatview/splatview-agent/internal/logging"
)

var (
	ErrInvalidName = errors.New("invalid artifact name")
	ErrNotFound    = errors.New("artifact not found")
)

var contentTypes = map[string]string{
	".ply": "application/ply",
}

// Store lays artifacts out as <root>/<session id>/<file name>.
type Store struct {
	root   string
	logger *slog.Logger
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts directory: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Path returns where an artifact lives. Both parts must be plain names.
func (s *Store) Path(sessionID, name string) (string, error) {
	if !validName(sessionID) || !validName(name) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidName, sessionID, name)
	}
	return filepath.Join(s.root, sessionID, name), nil
}

func validName(n string) bool {
	return n != "" && n != "." && n != ".." && !strings.ContainsAny(n, `/\`) && !strings.ContainsRune(n, 0)
}

// Save streams r into the artifact, replacing any previous copy only once
// the new one is complete.
func (s *Store) Save(sessionID, name string, r io.Reader) (string, int64, error) {
	path, err := s.Path(sessionID, name)
	if err != nil {
		return "", 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		if copyErr != nil {
			return "", n, fmt.Errorf("write artifact: %w", copyErr)
		}
		return "", n, fmt.Errorf("close artifact: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", n, fmt.Errorf("move artifact into place: %w", err)
	}

	s.logger.Info("artifact saved", "path", logging.SanitizePath(path), "bytes", n)
	return path, n, nil
}

// Open opens a stored artifact for reading.
func (s *Store) Open(sessionID, name string) (*os.File, error) {
	path, err := s.Path(sessionID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, name)
	}
	return f, err
}

// Remove deletes every artifact of a session.
func (s *Store) Remove(sessionID string) error {
	if !validName(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidName, sessionID)
	}
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// ServeFile writes an artifact to w, honouring a single Range request.
func (s *Store) ServeFile(w http.ResponseWriter, r *http.Request, sessionID, name string) error {
	file, err := s.Open(sessionID, name)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	size := stat.Size()

	ext := strings.ToLower(filepath.Ext(name))
	contentType := contentTypes[ext]
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)

	br, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		br = nil
	case err != nil:
		return err
	}

	if br == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, file)
		}
		return nil
	}

	if _, err := file.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek artifact: %w", err)
	}
	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	h.Set("Content-Range", br.Header(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		io.CopyN(w, file, br.Length())
	}
	return nil
}
