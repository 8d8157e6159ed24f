package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/middleware"
	"github.com/ashureev/pairbot/internal/session"
	"github.com/ashureev/pairbot/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// SessionController is the part of session.Controller the status API uses.
type SessionController interface {
	State() domain.ConnectionState
	Reset() error
	Connect(ctx context.Context) error
}

// StatusHandler serves session state and the journal.
type StatusHandler struct {
	ctrl        SessionController
	journal     store.Journal
	token       string
	startedAt   time.Time
	checkBudget time.Duration
}

// NewStatusHandler creates a status handler. journal may be nil, in which
// case the history routes answer 503. Reset requires token.
func NewStatusHandler(ctrl SessionController, journal store.Journal, token string, readyBudget time.Duration) *StatusHandler {
	return &StatusHandler{
		ctrl:        ctrl,
		journal:     journal,
		token:       token,
		startedAt:   time.Now(),
		checkBudget: readyBudget,
	}
}

// RegisterRoutes registers the status routes.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/transitions", h.Transitions)
		r.Get("/messages", h.Messages)
		r.With(middleware.RequireToken(h.token)).Post("/session/reset", h.Reset)
	})
}

type statusResponse struct {
	State       domain.ConnectionState `json:"state"`
	Ready       bool                   `json:"ready"`
	Uptime      string                 `json:"uptime"`
	ReadyBudget string                 `json:"ready_budget"`
}

// Status returns the current connection state.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	state := h.ctrl.State()
	JSON(w, http.StatusOK, statusResponse{
		State:       state,
		Ready:       state == domain.StateReady,
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
		ReadyBudget: h.checkBudget.String(),
	})
}

// Health reports the session and journal. It answers 503 unless the session
// is Ready and the journal is reachable.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	state := h.ctrl.State()
	checks["session"] = string(state)
	if state != domain.StateReady {
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	if h.journal != nil {
		if err := h.journal.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["journal"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["journal"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// Transitions lists recent state machine transitions, newest first.
func (h *StatusHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	trs, err := h.journal.RecentTransitions(r.Context(), queryLimit(r, 50))
	if err != nil {
		slog.Error("Failed to list transitions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if trs == nil {
		trs = []domain.Transition{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"transitions": trs})
}

// Messages lists recent inbound messages and their outcomes, newest first.
func (h *StatusHandler) Messages(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	msgs, err := h.journal.RecentMessages(r.Context(), queryLimit(r, 50))
	if err != nil {
		slog.Error("Failed to list messages", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []domain.MessageRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// Reset clears credentials after a logout and starts a fresh pairing cycle.
func (h *StatusHandler) Reset(w http.ResponseWriter, _ *http.Request) {
	if err := h.ctrl.Reset(); err != nil {
		if errors.Is(err, session.ErrClosed) {
			Error(w, http.StatusServiceUnavailable, "session is shutting down")
			return
		}
		slog.Warn("Session reset rejected", "error", err, "state", h.ctrl.State())
		Error(w, http.StatusConflict, err.Error())
		return
	}
	slog.Info("Session reset by operator")

	go func() {
		if err := h.ctrl.Connect(context.Background()); err != nil {
			slog.Warn("Connect after reset failed", "error", err)
		}
	}()
	JSON(w, http.StatusAccepted, map[string]string{"state": string(domain.StateDisconnected), "pairing": "starting"})
}
