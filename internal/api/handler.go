// Package api provides HTTP handlers for the CaseDrill API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/identity"
	"github.com/casedrill/casedrill/internal/llm"
	"github.com/casedrill/casedrill/internal/orchestrator"
	"github.com/casedrill/casedrill/internal/store"
)

// maxRequestBodySize bounds inbound JSON bodies (64KB is generous for a
// chat message).
const maxRequestBodySize = 64 << 10

// Service is the orchestration surface the API depends on.
type Service interface {
	StartSession(ctx context.Context, scenarioID, userID string) (*domain.SessionState, error)
	HandleMessage(ctx context.Context, sessionID, sceneID, text string) (*orchestrator.TurnResult, error)
	Progress(ctx context.Context, sessionID string) (*domain.ProgressSummary, error)
}

// Handler serves the simulation HTTP API.
type Handler struct {
	repo        store.Repository
	svc         Service
	rateLimiter *RateLimiter
	feed        *Feed
}

// NewHandler creates a Handler.
func NewHandler(repo store.Repository, svc Service, rateLimiter *RateLimiter, feed *Feed) *Handler {
	return &Handler{
		repo:        repo,
		svc:         svc,
		rateLimiter: rateLimiter,
		feed:        feed,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/simulations", h.StartSimulation)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/messages", h.PostMessage)
			r.Get("/progress", h.GetProgress)
		})
	})
	if h.feed != nil {
		r.Get("/ws/sessions/{sessionID}/feed", h.ServeFeed)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type scenarioSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Scenes      int    `json:"scenes"`
	Personas    int    `json:"personas"`
}

// ListScenarios returns the scenario catalog.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.repo.ListScenarios(r.Context())
	if err != nil {
		slog.Error("Failed to list scenarios", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list scenarios")
		return
	}

	out := make([]scenarioSummary, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, scenarioSummary{
			ID:          sc.ID,
			Title:       sc.Title,
			Description: sc.Description,
			Scenes:      len(sc.Scenes),
			Personas:    len(sc.Personas),
		})
	}
	JSON(w, http.StatusOK, out)
}

type startRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type startResponse struct {
	SessionID    string        `json:"session_id"`
	CurrentScene string        `json:"current_scene"`
	Status       domain.Status `json:"status"`
}

// StartSimulation creates a new session for the authenticated learner.
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		Error(w, http.StatusBadRequest, "scenario_id is required")
		return
	}

	sess, err := h.svc.StartSession(r.Context(), req.ScenarioID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	JSON(w, http.StatusCreated, startResponse{
		SessionID:    sess.ID,
		CurrentScene: sess.CurrentSceneID,
		Status:       sess.Status,
	})
}

type messageRequest struct {
	SceneID string `json:"scene_id"`
	Message string `json:"message"`
}

type messageResponse struct {
	Message           string        `json:"message"`
	SceneID           string        `json:"scene_id"`
	SceneCompleted    bool          `json:"scene_completed"`
	GoalAchieved      bool          `json:"goal_achieved"`
	ForcedProgression bool          `json:"forced_progression"`
	NextSceneID       *string       `json:"next_scene_id"`
	TurnsRemaining    int           `json:"turns_remaining"`
	Status            domain.Status `json:"status"`
}

// PostMessage handles one conversational message or command.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if strings.TrimSpace(req.SceneID) == "" {
		Error(w, http.StatusBadRequest, "scene_id is required")
		return
	}

	result, err := h.svc.HandleMessage(r.Context(), sessionID, req.SceneID, req.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := messageResponse{
		Message:           result.Message,
		SceneID:           result.SceneID,
		SceneCompleted:    result.SceneCompleted,
		GoalAchieved:      result.GoalAchieved,
		ForcedProgression: result.ForcedProgression,
		TurnsRemaining:    result.TurnsRemaining,
		Status:            result.Status,
	}
	if result.NextSceneID != "" {
		resp.NextSceneID = &result.NextSceneID
	}
	JSON(w, http.StatusOK, resp)
}

// GetProgress returns the read-only progress summary for a session.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	summary, err := h.svc.Progress(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, summary)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps orchestration errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var stale *orchestrator.StaleSceneError
	switch {
	case errors.As(err, &stale):
		// Send back the authoritative scene so the client can resync.
		JSON(w, http.StatusConflict, map[string]string{
			"error":         "scene is no longer current",
			"current_scene": stale.CurrentSceneID,
		})
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrScenarioNotFound):
		Error(w, http.StatusNotFound, "scenario not found")
	case errors.Is(err, orchestrator.ErrStateConflict):
		JSON(w, http.StatusConflict, map[string]any{
			"error":     "session was updated concurrently",
			"retryable": true,
		})
	case errors.Is(err, llm.ErrUnavailable):
		// The session was not mutated; the client can resend the same message.
		Error(w, http.StatusServiceUnavailable, "the simulation is momentarily unavailable, please try again")
	default:
		slog.Error("Unhandled API error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
