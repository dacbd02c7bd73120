// Package handler exposes the coach service as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pavelanni/oralexam/internal/coach"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/session"
	"github.com/pavelanni/oralexam/internal/telemetry"
)

// DefaultMaxAudioBytes caps uploaded audio turns.
const DefaultMaxAudioBytes = 25 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	coach         *coach.Service
	recorder      *telemetry.Recorder
	metrics       http.Handler
	logger        *slog.Logger
	maxAudioBytes int64
}

// New creates a new Handler. metrics may be nil to disable /metrics.
func New(svc *coach.Service, rec *telemetry.Recorder, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coach:         svc,
		recorder:      rec,
		metrics:       metrics,
		logger:        logger,
		maxAudioBytes: DefaultMaxAudioBytes,
	}
}

// Router returns the instrumented router, mounted under basePath when set.
func (h *Handler) Router(basePath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(i18n.Middleware())
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "oralexam")
	})

	basePath = strings.TrimSuffix(basePath, "/")
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/sessions", h.handleStartSession)
	r.Get("/sessions/{sessionID}", h.handleStatus)
	r.Post("/sessions/{sessionID}/turns", h.handleTurn)
	r.Get("/sessions/{sessionID}/report", h.handleReport)
	r.Post("/sessions/{sessionID}/end", h.handleEnd)
	r.Get("/sessions/{sessionID}/telemetry", h.handleSessionTelemetry)
	r.Get("/telemetry", h.handleTelemetry)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req coach.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
		return
	}
	res, err := h.coach.StartSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type statusResponse struct {
	*coach.Status
	Summary string `json:"summary"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.coach.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  st,
		Summary: i18n.Tp(r.Context(), i18n.MsgTurnsScored, st.TurnsScored),
	})
}

type turnResponse struct {
	*coach.TurnResult
	Notice string `json:"notice,omitempty"`
}

// turnNotice announces phase and session boundaries in the request language.
func turnNotice(ctx context.Context, tr session.Transition) string {
	switch {
	case tr.SessionComplete:
		return i18n.T(ctx, i18n.MsgSessionComplete)
	case tr.PhaseComplete:
		return i18n.Td(ctx, i18n.MsgPhaseIntro, map[string]any{"Phase": int(tr.Phase)})
	}
	return ""
}

type turnRequest struct {
	Text  string `json:"text"`
	Speak bool   `json:"speak"`
}

// handleTurn accepts JSON {"text": ...} or a multipart form with an
// "audio" file part.
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var in coach.TurnInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxAudioBytes)
		if err := r.ParseMultipartForm(h.maxAudioBytes); err != nil {
			h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
			return
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
			return
		}
		defer file.Close()
		audio, err := io.ReadAll(file)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
			return
		}
		in.Audio = audio
		in.AudioFilename = header.Filename
		in.Speak, _ = strconv.ParseBool(r.FormValue("speak"))
	} else {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err)
			return
		}
		in.Text = req.Text
		in.Speak = req.Speak
	}

	res, err := h.coach.SubmitTurn(r.Context(), sessionID, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{TurnResult: res, Notice: turnNotice(r.Context(), res.Transition)})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.coach.Report(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	report, err := h.coach.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": h.recorder.Recent(n),
	})
}

func (h *Handler) handleSessionTelemetry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":         h.recorder.Session(sessionID),
		"reproducibility": h.recorder.ReproducibilityFor(sessionID),
	})
}

// writeServiceError maps coach errors to statuses. Internal errors are
// logged and never shown verbatim.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coach.ErrSessionNotFound):
		h.writeError(w, r, http.StatusNotFound, i18n.MsgSessionNotFound, err)
	case errors.Is(err, session.ErrSessionComplete):
		h.writeError(w, r, http.StatusConflict, i18n.MsgSessionEnded, err)
	case errors.Is(err, coach.ErrAudioUnsupported):
		h.writeError(w, r, http.StatusUnsupportedMediaType, i18n.MsgInvalidRequest, err)
	case errors.Is(err, coach.ErrFeedbackWithheld):
		h.writeError(w, r, http.StatusForbidden, i18n.MsgFeedbackWithheld, err)
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": i18n.T(r.Context(), i18n.MsgInternalError)})
	}
}

// writeError sends the localized message only; err goes to the debug log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, err error) {
	h.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": i18n.T(r.Context(), msgID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
