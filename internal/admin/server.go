// Package admin serves the operator HTTP surface of the tracker engine:
// health, metrics, status, and the pause, reindex and maintenance controls.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zanzrukiav/SearchServices/internal/engine"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/scheduler"
	"github.com/zanzrukiav/SearchServices/internal/tracker"
)

// Controller is the engine surface the admin endpoints drive.
type Controller interface {
	Core() string
	Status(ctx context.Context) engine.Report
	Floors(ctx context.Context) ([]models.TrackerFloor, error)
	PauseAll()
	ResumeAll()
	Invalidate(ctx context.Context, typ string) error
	RunNow(ctx context.Context, typ string) error
	Maintain(ctx context.Context, action string, id int64) error
}

var _ Controller = (*engine.Engine)(nil)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FloorsResponse is the body of GET /admin/floors.
type FloorsResponse struct {
	Core   string                `json:"core"`
	Floors []models.TrackerFloor `json:"floors"`
}

// AckResponse acknowledges a control request.
type AckResponse struct {
	Status  string `json:"status"`
	Tracker string `json:"tracker,omitempty"`
}

// Config configures the admin handler.
type Config struct {
	// Token protects /admin/ when non-empty.
	Token string
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Handler creates the HTTP handler with all routes and middleware.
func Handler(ctrl Controller, cfg Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{ctrl: ctrl, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /admin/status", h.status)
	adminMux.HandleFunc("GET /admin/floors", h.floors)
	adminMux.HandleFunc("POST /admin/pause", h.pause)
	adminMux.HandleFunc("POST /admin/resume", h.resume)
	adminMux.HandleFunc("POST /admin/reindex", h.reindex)
	adminMux.HandleFunc("POST /admin/trackers/{type}/run", h.run)
	adminMux.HandleFunc("POST /admin/maintenance/{action}/{id}", h.maintenance)
	mux.Handle("/admin/", tokenAuth(cfg.Token)(adminMux))

	return applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)
}

type handler struct {
	ctrl   Controller
	logger *slog.Logger
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.ctrl.Status(r.Context()).Shutdown {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "engine is shutting down")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status(r.Context()))
}

func (h *handler) floors(w http.ResponseWriter, r *http.Request) {
	floors, err := h.ctrl.Floors(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if floors == nil {
		floors = []models.TrackerFloor{}
	}
	writeJSON(w, http.StatusOK, FloorsResponse{Core: h.ctrl.Core(), Floors: floors})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	h.ctrl.PauseAll()
	writeJSON(w, http.StatusOK, AckResponse{Status: "paused"})
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResumeAll()
	writeJSON(w, http.StatusOK, AckResponse{Status: "resumed"})
}

func (h *handler) reindex(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("tracker")
	if err := h.ctrl.Invalidate(r.Context(), typ); err != nil {
		h.fail(w, r, err)
		return
	}
	if typ == "" {
		typ = "all"
	}
	h.logger.Info("reindex requested", "tracker", typ, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusAccepted, AckResponse{Status: "invalidated", Tracker: typ})
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	typ := r.PathValue("type")
	// The cycle outlives the request if the client goes away.
	if err := h.ctrl.RunNow(context.WithoutCancel(r.Context()), typ); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: "completed", Tracker: typ})
}

func (h *handler) maintenance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "id must be a positive integer")
		return
	}
	if err := h.ctrl.Maintain(r.Context(), r.PathValue("action"), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AckResponse{Status: "queued"})
}

// fail maps engine errors to HTTP responses.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownTracker), errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tracker.ErrNoSuchAction):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, scheduler.ErrRunning), errors.Is(err, tracker.ErrLockTimeout):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, scheduler.ErrShutdown), errors.Is(err, tracker.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		h.logger.Error("admin request failed", "path", r.URL.Path, "error", err, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
