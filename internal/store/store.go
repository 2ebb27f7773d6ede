// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/casedrill/casedrill/internal/domain"
)

// ErrVersionConflict indicates a concurrent writer updated the session
// between load and save. The caller must reload and retry.
var ErrVersionConflict = errors.New("session version conflict")

// Repository defines the persistence contract for scenarios, sessions, and
// the append-only conversation log.
type Repository interface {
	// UpsertScenario stores or replaces a scenario definition.
	UpsertScenario(ctx context.Context, sc *domain.Scenario) error

	// GetScenario retrieves a scenario by ID. Returns (nil, nil) if missing.
	GetScenario(ctx context.Context, id string) (*domain.Scenario, error)

	// ListScenarios returns all published scenarios.
	ListScenarios(ctx context.Context) ([]*domain.Scenario, error)

	// GetLearner retrieves a learner by user ID. Returns (nil, nil) if missing.
	GetLearner(ctx context.Context, userID string) (*domain.Learner, error)

	// UpsertLearner creates or updates a learner record.
	UpsertLearner(ctx context.Context, learner *domain.Learner) error

	// UpdateLastSeen updates the last_seen_at timestamp for a learner.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession inserts a new session. The session's Version must be 1.
	CreateSession(ctx context.Context, sess *domain.SessionState) error

	// GetSession retrieves a session by ID. Returns (nil, nil) if missing.
	GetSession(ctx context.Context, id string) (*domain.SessionState, error)

	// SaveSession atomically writes the session if its Version still matches
	// the stored row, then bumps Version. Returns ErrVersionConflict on a
	// concurrent write.
	SaveSession(ctx context.Context, sess *domain.SessionState) error

	// CommitTurn atomically saves the session (same CAS semantics as
	// SaveSession) and appends the given messages with strictly increasing,
	// gapless sequence numbers, all in one transaction. Returns the messages
	// with their assigned sequence numbers. Nothing is written on error.
	CommitTurn(ctx context.Context, sess *domain.SessionState, msgs []domain.ConversationMessage) ([]domain.ConversationMessage, error)

	// AppendMessage appends a single message and returns its sequence number.
	AppendMessage(ctx context.Context, sessionID string, msg domain.ConversationMessage) (int64, error)

	// ListMessages returns all messages for a session in sequence order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.ConversationMessage, error)

	// ListSceneMessages returns the messages for one scene of a session in
	// sequence order.
	ListSceneMessages(ctx context.Context, sessionID, sceneID string) ([]domain.ConversationMessage, error)

	// GetIdleSessions returns active sessions with no activity within ttl.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionState, error)

	// MarkAbandoned flips an active session to abandoned.
	MarkAbandoned(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
