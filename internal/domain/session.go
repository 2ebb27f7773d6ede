package domain

import (
	"time"
)

// Status is the overall lifecycle state of a simulation session.
type Status string

const (
	StatusNotStarted    Status = "not_started"
	StatusAwaitingBegin Status = "awaiting_begin"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusAbandoned     Status = "abandoned"
)

// CompletedScene records a finished scene and how it finished.
type CompletedScene struct {
	SceneID string `json:"scene_id"`
	Forced  bool   `json:"forced"`
}

// SessionState is one user's attempt at a scenario. It is created when the
// user starts a simulation, mutated only by the orchestrator, and terminates
// at completed or abandoned. Version is an optimistic-locking counter bumped
// on every save.
type SessionState struct {
	ID                 string
	ScenarioID         string
	UserID             string
	Status             Status
	CurrentSceneID     string
	ScenesCompleted    []CompletedScene
	TurnsInScene       int
	HintsIssued        int
	ForcedProgressions int
	BeganAt            *time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastActivityAt     time.Time
}

// SceneCompleted reports whether the given scene has already been finished
// in this session.
func (s *SessionState) SceneCompleted(sceneID string) bool {
	for _, cs := range s.ScenesCompleted {
		if cs.SceneID == sceneID {
			return true
		}
	}
	return false
}

// RemainingTurns returns how many conversational turns are left in the
// current scene given its budget. Never negative.
func (s *SessionState) RemainingTurns(maxAttempts int) int {
	remaining := maxAttempts - s.TurnsInScene
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Active reports whether the session still accepts messages.
func (s *SessionState) Active() bool {
	return s.Status == StatusAwaitingBegin || s.Status == StatusInProgress
}

// ProgressSummary is the read-only view returned by the progress endpoint.
type ProgressSummary struct {
	SessionID          string           `json:"session_id"`
	ScenarioID         string           `json:"scenario_id"`
	Status             Status           `json:"status"`
	CurrentSceneID     string           `json:"current_scene_id,omitempty"`
	CurrentSceneTitle  string           `json:"current_scene_title,omitempty"`
	ScenesTotal        int              `json:"scenes_total"`
	ScenesCompleted    []CompletedScene `json:"scenes_completed"`
	TurnsUsed          int              `json:"turns_used"`
	TurnsRemaining     int              `json:"turns_remaining"`
	HintsIssued        int              `json:"hints_issued"`
	ForcedProgressions int              `json:"forced_progressions"`
}

// Learner represents an anonymous learner identity.
type Learner struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
