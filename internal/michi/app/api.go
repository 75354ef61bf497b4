package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/michi/common/version"
	"github.com/bdobrica/michi/internal/michi/dispatch"
)

const maxMessageBytes = 64 << 10

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status               string    `json:"status"`
	Version              string    `json:"version"`
	Commit               string    `json:"commit"`
	BuildTime            string    `json:"build_time"`
	StartedAt            time.Time `json:"started_at"`
	UptimeSecs           float64   `json:"uptime_seconds"`
	Conversations        int       `json:"conversations"`
	PendingConfirmations int       `json:"pending_confirmations"`
	PendingActions       int       `json:"pending_actions"`
	ExecutingActions     int       `json:"executing_actions"`
	PausedActions        int       `json:"paused_actions"`
	AIEnabled            bool      `json:"ai_enabled"`
	MatrixEnabled        bool      `json:"matrix_enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type api struct {
	app *App
}

func newAPI(a *App) http.Handler {
	h := &api{app: a}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.postMessage)
		r.Get("/actions/{id}", h.getAction)
		r.Get("/actions/{id}/explain", h.explainAction)
	})
	return r
}

func (h *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.app.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *api) status(w http.ResponseWriter, _ *http.Request) {
	a := h.app
	pending, executing, paused := a.controller.Counts()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:               "ok",
		Version:              version.Version,
		Commit:               version.GitCommit,
		BuildTime:            version.BuildTime,
		StartedAt:            a.startedAt,
		UptimeSecs:           time.Since(a.startedAt).Seconds(),
		Conversations:        a.resolver.Len(),
		PendingConfirmations: a.gate.Len(),
		PendingActions:       pending,
		ExecutingActions:     executing,
		PausedActions:        paused,
		AIEnabled:            a.classifier.AIEnabled(),
		MatrixEnabled:        a.matrix != nil,
	})
}

func (h *api) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg dispatch.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if msg.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userId is required"})
		return
	}
	writeJSON(w, http.StatusOK, h.app.pipeline.Handle(r.Context(), msg))
}

func (h *api) getAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := h.app.controller.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no action with id " + id})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *api) explainAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.app.controller.Status(id); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no action with id " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":          id,
		"explanation": h.app.controller.Explain(id),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
