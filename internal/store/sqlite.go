package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/casedrill/casedrill/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the targeted row does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes session/message writes to prevent SQLITE_BUSY and
	// to keep sequence-number assignment strictly ordered.
	writeMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learners (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_scene_id TEXT,
		scenes_completed TEXT NOT NULL DEFAULT '[]',
		turns_in_scene INTEGER NOT NULL DEFAULT 0,
		hints_issued INTEGER NOT NULL DEFAULT 0,
		forced_progressions INTEGER NOT NULL DEFAULT 0,
		began_at INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity
		ON sessions(last_activity_at)
		WHERE status IN ('awaiting_begin', 'in_progress');

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		scene_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		persona_id TEXT,
		content TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		is_hint INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_scene ON messages(session_id, scene_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertScenario stores or replaces a scenario definition.
func (s *SQLiteStore) UpsertScenario(ctx context.Context, sc *domain.Scenario) error {
	definition, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scenario %s: %w", sc.ID, err)
	}

	query := `
	INSERT INTO scenarios (id, definition, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		definition = excluded.definition,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, sc.ID, string(definition), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert scenario %s: %w", sc.ID, err)
	}
	return nil
}

// GetScenario retrieves a scenario by ID.
func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (*domain.Scenario, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM scenarios WHERE id = ?`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan scenario row: %w", err)
	}

	var sc domain.Scenario
	if err := json.Unmarshal([]byte(definition), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scenario %s: %w", id, err)
	}
	return &sc, nil
}

// ListScenarios returns all published scenarios.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]*domain.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM scenarios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []*domain.Scenario
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan scenario row: %w", err)
		}
		var sc domain.Scenario
		if err := json.Unmarshal([]byte(definition), &sc); err != nil {
			return nil, fmt.Errorf("unmarshal scenario: %w", err)
		}
		scenarios = append(scenarios, &sc)
	}
	return scenarios, rows.Err()
}

// GetLearner retrieves a learner by user ID.
func (s *SQLiteStore) GetLearner(ctx context.Context, userID string) (*domain.Learner, error) {
	query := `SELECT user_id, username, last_seen_at, created_at, updated_at FROM learners WHERE user_id = ?`
	row := s.db.QueryRowContext(ctx, query, userID)

	var learner domain.Learner
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&learner.UserID, &learner.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan learner row: %w", err)
	}

	learner.LastSeenAt = time.Unix(lastSeen, 0)
	learner.CreatedAt = time.Unix(createdAt, 0)
	learner.UpdatedAt = time.Unix(updatedAt, 0)
	return &learner, nil
}

// UpsertLearner creates or updates a learner record.
func (s *SQLiteStore) UpsertLearner(ctx context.Context, learner *domain.Learner) error {
	query := `
	INSERT INTO learners (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		learner.UserID, learner.Username,
		learner.LastSeenAt.Unix(), learner.CreatedAt.Unix(), learner.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert learner: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a learner.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE learners SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`,
		lastSeen.Unix(), time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.SessionState) error {
	completed, err := json.Marshal(sess.ScenesCompleted)
	if err != nil {
		return fmt.Errorf("marshal scenes completed: %w", err)
	}
	if completed == nil || string(completed) == "null" {
		completed = []byte("[]")
	}

	query := `
	INSERT INTO sessions (
		id, scenario_id, user_id, status, current_scene_id, scenes_completed,
		turns_in_scene, hints_issued, forced_progressions, began_at,
		version, created_at, updated_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.ScenarioID, sess.UserID, string(sess.Status),
		nullString(sess.CurrentSceneID), string(completed),
		sess.TurnsInScene, sess.HintsIssued, sess.ForcedProgressions,
		nullTime(sess.BeganAt),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), sess.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.Version = 1
	return nil
}

const sessionColumns = `id, scenario_id, user_id, status, current_scene_id, scenes_completed,
	turns_in_scene, hints_issued, forced_progressions, began_at,
	version, created_at, updated_at, last_activity_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionState, error) {
	var sess domain.SessionState
	var status string
	var currentScene sql.NullString
	var completed string
	var beganAt sql.NullInt64
	var createdAt, updatedAt, lastActivity int64

	err := row.Scan(
		&sess.ID, &sess.ScenarioID, &sess.UserID, &status, &currentScene, &completed,
		&sess.TurnsInScene, &sess.HintsIssued, &sess.ForcedProgressions, &beganAt,
		&sess.Version, &createdAt, &updatedAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	sess.CurrentSceneID = currentScene.String
	if err := json.Unmarshal([]byte(completed), &sess.ScenesCompleted); err != nil {
		return nil, fmt.Errorf("unmarshal scenes completed: %w", err)
	}
	if beganAt.Valid {
		t := time.Unix(beganAt.Int64, 0)
		sess.BeganAt = &t
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	return &sess, nil
}

// SaveSession atomically writes the session with optimistic locking.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.SessionState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveSessionTx(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	sess.Version++
	return nil
}

func saveSessionTx(ctx context.Context, tx *sql.Tx, sess *domain.SessionState) error {
	completed, err := json.Marshal(sess.ScenesCompleted)
	if err != nil {
		return fmt.Errorf("marshal scenes completed: %w", err)
	}
	if completed == nil || string(completed) == "null" {
		completed = []byte("[]")
	}

	query := `
	UPDATE sessions SET
		status = ?, current_scene_id = ?, scenes_completed = ?,
		turns_in_scene = ?, hints_issued = ?, forced_progressions = ?,
		began_at = ?, version = version + 1, updated_at = ?, last_activity_at = ?
	WHERE id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, query,
		string(sess.Status), nullString(sess.CurrentSceneID), string(completed),
		sess.TurnsInScene, sess.HintsIssued, sess.ForcedProgressions,
		nullTime(sess.BeganAt), sess.UpdatedAt.Unix(), sess.LastActivityAt.Unix(),
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
		}
		return fmt.Errorf("session %s: %w", sess.ID, ErrVersionConflict)
	}
	return nil
}

// CommitTurn atomically saves the session and appends messages in order.
func (s *SQLiteStore) CommitTurn(ctx context.Context, sess *domain.SessionState, msgs []domain.ConversationMessage) ([]domain.ConversationMessage, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveSessionTx(ctx, tx, sess); err != nil {
		return nil, err
	}

	appended, err := appendMessagesTx(ctx, tx, sess.ID, msgs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	sess.Version++
	return appended, nil
}

// AppendMessage appends a single message and returns its sequence number.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.ConversationMessage) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	appended, err := appendMessagesTx(ctx, tx, sessionID, []domain.ConversationMessage{msg})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message append: %w", err)
	}
	return appended[0].Seq, nil
}

func appendMessagesTx(ctx context.Context, tx *sql.Tx, sessionID string, msgs []domain.ConversationMessage) ([]domain.ConversationMessage, error) {
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max sequence: %w", err)
	}

	query := `
	INSERT INTO messages (session_id, seq, scene_id, sender, persona_id, content, attempt, is_hint, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	out := make([]domain.ConversationMessage, len(msgs))
	for i, msg := range msgs {
		maxSeq++
		msg.Seq = maxSeq
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query,
			sessionID, msg.Seq, msg.SceneID, string(msg.Sender),
			nullString(msg.PersonaID), msg.Content, msg.Attempt,
			boolToInt(msg.Hint), msg.CreatedAt.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert message seq %d: %w", msg.Seq, err)
		}
		out[i] = msg
	}
	return out, nil
}

// ListMessages returns all messages for a session in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.ConversationMessage, error) {
	return s.queryMessages(ctx,
		`SELECT seq, scene_id, sender, persona_id, content, attempt, is_hint, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
}

// ListSceneMessages returns a scene's messages in sequence order.
func (s *SQLiteStore) ListSceneMessages(ctx context.Context, sessionID, sceneID string) ([]domain.ConversationMessage, error) {
	return s.queryMessages(ctx,
		`SELECT seq, scene_id, sender, persona_id, content, attempt, is_hint, created_at
		 FROM messages WHERE session_id = ? AND scene_id = ? ORDER BY seq`, sessionID, sceneID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ConversationMessage
	for rows.Next() {
		var msg domain.ConversationMessage
		var sender string
		var personaID sql.NullString
		var isHint int
		var createdAt int64
		if err := rows.Scan(&msg.Seq, &msg.SceneID, &sender, &personaID, &msg.Content, &msg.Attempt, &isHint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Sender = domain.SenderKind(sender)
		msg.PersonaID = personaID.String
		msg.Hint = isHint != 0
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetIdleSessions returns active sessions with no activity within ttl.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionState, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ('awaiting_begin', 'in_progress') AND last_activity_at < ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.SessionState
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkAbandoned flips an active session to abandoned.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status IN ('awaiting_begin', 'in_progress')`,
		string(domain.StatusAbandoned), time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session abandoned: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
