package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/log"
	"github.com/CZERTAINLY/pipewatch/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBody = 1 << 20

type startRequest struct {
	Args []string `json:"args"`
}

type runIDResponse struct {
	RunID string `json:"run_id"`
}

type filesResponse struct {
	Files []string `json:"files"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) pipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pipelines": a.runs.Pipelines()})
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	id, err := a.runs.Start(r.Context(), chi.URLParam(r, "pipeline"), req.Args)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runIDResponse{RunID: id})
}

func (a *api) activeOf(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	if !a.known(pipeline) {
		writeError(w, r, fmt.Errorf("%w: %s", service.ErrUnknownPipeline, pipeline))
		return
	}
	a.writeActive(w, r, pipeline)
}

func (a *api) active(w http.ResponseWriter, r *http.Request) {
	a.writeActive(w, r, "")
}

func (a *api) writeActive(w http.ResponseWriter, r *http.Request, pipeline string) {
	id, ok := a.runs.ActiveRunID(pipeline)
	if !ok {
		writeError(w, r, fmt.Errorf("no active run: %w", service.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, runIDResponse{RunID: id})
}

func (a *api) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.runs.Runs())
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	sum, err := a.runs.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	if err := a.runs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	if err := a.runs.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) logFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.runs.ListLogFiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, filesResponse{Files: files})
}

func (a *api) logFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	f, err := a.runs.OpenLogFile(chi.URLParam(r, "id"), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *api) known(pipeline string) bool {
	return slices.Contains(a.runs.Pipelines(), pipeline)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnknownPipeline):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
