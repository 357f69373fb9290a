package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/papercheck/internal/i18n"
	"github.com/pavelanni/papercheck/internal/model"
	"github.com/pavelanni/papercheck/internal/report"
	"github.com/pavelanni/papercheck/internal/store"
)

// RunStore is the read side of the run store.
type RunStore interface {
	ListRuns() ([]model.RunInfo, error)
	GetRun(id string) (model.RunInfo, error)
	ExportRun(id string) (*model.RunExport, error)
}

// Handler serves stored grading runs.
type Handler struct {
	store RunStore
	lang  string
	token string
}

// New creates a new Handler. lang is the default report language. A non-empty
// token is required as a bearer token on every route except /healthz.
func New(s RunStore, lang, token string) *Handler {
	if lang == "" {
		lang = "en"
	}
	return &Handler{store: s, lang: lang, token: token}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Use(i18n.Middleware(h.lang))
		r.Get("/runs", h.handleListRuns)
		r.Get("/runs/{runID}", h.handleGetRun)
		r.Get("/runs/{runID}/report", h.handleReport)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunInfo{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	exp, err := h.store.ExportRun(runID)
	if err != nil {
		h.storeError(w, r, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	exp, err := h.store.ExportRun(runID)
	if err != nil {
		h.storeError(w, r, runID, err)
		return
	}
	if exp.Run.Status != model.RunEvaluated {
		http.Error(w, i18n.Td(r.Context(), "RunNotEvaluated", map[string]any{"ID": runID}), http.StatusConflict)
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" || !i18n.Supported(lang) {
		lang = h.lang
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := report.Render(w, exp.Results, exp.Summary, lang); err != nil {
		slog.Error("render error", "run", runID, "error", err)
	}
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, runID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, i18n.Td(r.Context(), "RunNotFound", map[string]any{"ID": runID}), http.StatusNotFound)
		return
	}
	slog.Error("failed to load run", "run", runID, "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
