package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrScenarioNotFound indicates the requested scenario does not exist.
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrSessionNotFound indicates the session is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStateConflict indicates a concurrent write was detected on the
	// session. The request was rejected; the caller may retry it.
	ErrStateConflict = errors.New("concurrent session update")
)

// StaleSceneError is returned when the client-supplied scene is no longer
// the session's current scene. It carries the authoritative scene so the
// client can resync.
type StaleSceneError struct {
	RequestedSceneID string
	CurrentSceneID   string
}

func (e *StaleSceneError) Error() string {
	return fmt.Sprintf("scene %s is stale, current scene is %s", e.RequestedSceneID, e.CurrentSceneID)
}
