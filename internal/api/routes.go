package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/splatview/splatview-agent/internal/health"
	"github.com/splatview/splatview-agent/internal/history"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/pointcloud"
	"github.com/splatview/splatview-agent/internal/session"
)

const (
	defaultSessionsLimit = 50
	maxSessionsLimit     = 500
	multipartMemory      = 32 << 20
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/remote/health", remoteHealthHandler(cfg))
		r.Post("/remote/health/check", remoteCheckHandler(cfg))

		r.Post("/session/images", selectImagesHandler(cfg))
		r.Get("/previews/{handle}", previewHandler(cfg))
		r.Post("/session/start", startHandler(cfg))
		r.Get("/session", sessionHandler(cfg))
		r.Post("/session/reset", resetHandler(cfg))

		r.Get("/sessions", listSessionsHandler(cfg))
		r.Get("/sessions/{id}", getSessionHandler(cfg))

		r.Get("/scene", sceneHandler(cfg))
		r.Get("/scene/points", scenePointsHandler(cfg))

		r.With(LoopbackGuard()).Get("/artifacts/{session_id}/{file}", artifactHandler(cfg))
		r.With(LoopbackGuard()).Head("/artifacts/{session_id}/{file}", artifactHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minIter, maxIter, defIter := cfg.Controller.IterationBounds()
		resp := StatusResponse{
			Session:    cfg.Controller.Snapshot(),
			Remote:     cfg.Monitor.Peek(),
			Iterations: IterationBounds{Min: minIter, Max: maxIter, Default: defIter},
			Images:     ImageBounds{Min: cfg.MinImages, Max: cfg.MaxImages},
		}
		if cfg.Viewer != nil {
			if loaded, ok := cfg.Viewer.Last(); ok {
				resp.Scene = &loaded
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func remoteHealthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Monitor.Peek())
	}
}

func remoteCheckHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Monitor.Check(r.Context()))
	}
}

func selectImagesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, http.StatusRequestEntityTooLarge, "selected images are too large", CodeBadRequest)
				return
			}
			WriteError(w, http.StatusBadRequest, "expected multipart form with files", CodeBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		files := make([]images.Image, 0, len(headers))
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				WriteError(w, http.StatusBadRequest, "failed to read "+fh.Filename, CodeBadRequest)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				WriteError(w, http.StatusBadRequest, "failed to read "+fh.Filename, CodeBadRequest)
				return
			}
			files = append(files, images.Image{
				Name:     fh.Filename,
				MIMEType: images.DetectMIME(fh.Filename, data),
				Size:     int64(len(data)),
				Data:     data,
			})
		}

		set, err := images.Validate(files, cfg.MinImages, cfg.MaxImages)
		var vErr *images.ValidationError
		if errors.As(err, &vErr) {
			WriteJSON(w, http.StatusUnprocessableEntity, validationErrorResponse(vErr))
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), CodeBadRequest)
			return
		}

		if err := cfg.Previews.Attach(r.Context(), set); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), CodeInternal)
			return
		}
		if err := cfg.Controller.Select(set); err != nil {
			set.Release()
			writeSessionError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, selectResponse(set))
	}
}

func previewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prev, ok := cfg.Previews.Get(chi.URLParam(r, "handle"))
		if !ok {
			WriteError(w, http.StatusNotFound, "preview not found", CodeNotFound)
			return
		}
		w.Header().Set("Content-Type", prev.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(prev.Data)))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(prev.Data)
	}
}

func startHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				WriteError(w, http.StatusBadRequest, "invalid request body", CodeBadRequest)
				return
			}
		}

		snap, err := cfg.Controller.Submit(r.Context(), req.Iterations)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		resp := StartResponse{Session: snap}
		if status := cfg.Monitor.Peek(); status.State == health.StateUnavailable {
			resp.Warning = status.Err().Error()
		}
		WriteJSON(w, http.StatusAccepted, resp)
	}
}

func sessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Controller.Snapshot())
	}
}

func resetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Controller.Reset())
	}
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultSessionsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", CodeBadRequest)
				return
			}
			limit = min(n, maxSessionsLimit)
		}

		records, err := cfg.Repository.ListSessions(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", CodeInternal)
			return
		}
		if records == nil {
			records = []*history.Record{}
		}
		WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: records})
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := cfg.Repository.GetSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), CodeInternal)
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "session not found", CodeNotFound)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func sceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loaded, ok := cfg.Viewer.Last()
		if !ok {
			WriteError(w, http.StatusNotFound, "no scene displayed", CodeNotFound)
			return
		}
		WriteJSON(w, http.StatusOK, loaded)
	}
}

func scenePointsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, ok := cfg.Surface.Attached()
		if !ok {
			WriteError(w, http.StatusNotFound, "no scene displayed", CodeNotFound)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Length", strconv.Itoa(len(frame.Data)))
		h.Set("X-Point-Count", strconv.Itoa(frame.Points))
		h.Set("X-Point-Stride", strconv.Itoa(pointcloud.Stride))
		h.Set("ETag", strconv.Quote(strconv.FormatUint(frame.Version, 10)))
		w.WriteHeader(http.StatusOK)
		w.Write(frame.Data)
	}
}

func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		file := chi.URLParam(r, "file")
		if err := cfg.Artifacts.ServeFile(w, r, sessionID, file); err != nil {
			cfg.Logger.Error("artifact serve error", "error", err, "session_id", sessionID, "file", file)
			WriteError(w, http.StatusInternalServerError, "failed to serve artifact", CodeInternal)
		}
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrResetRequired):
		WriteError(w, http.StatusConflict, err.Error(), CodeConflict)
	case errors.Is(err, session.ErrNoImages), errors.Is(err, session.ErrInvalidIterations):
		WriteError(w, http.StatusBadRequest, err.Error(), CodeBadRequest)
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), CodeInternal)
	}
}
