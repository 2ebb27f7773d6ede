// Package orchestrator drives a user through the ordered scenes of a
// business-case simulation: command handling, persona turn-taking, goal
// evaluation, hinting, and forced progression.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
	"github.com/casedrill/casedrill/internal/store"
)

// Notifier receives conversation messages as they are committed, for live
// observers. Implementations must not block.
type Notifier interface {
	Publish(sessionID string, msgs []domain.ConversationMessage)
}

// Config holds orchestrator tuning knobs.
type Config struct {
	// EvalMinTurns is the turn count after which goal evaluation runs every
	// turn.
	EvalMinTurns int
	// HintWindowDivisor sets the hint low-water mark to
	// ceil(max_attempts / divisor) remaining turns.
	HintWindowDivisor int
}

// TurnResult is the outcome of one handled message.
type TurnResult struct {
	// Message is the rendered response text, including persona attribution.
	Message string
	// SceneID is the scene the message applied to.
	SceneID string
	// SceneCompleted reports whether this turn finished the scene.
	SceneCompleted bool
	// GoalAchieved reports whether completion came from the goal being met
	// (as opposed to forced progression).
	GoalAchieved bool
	// ForcedProgression reports whether the scene advanced because the turn
	// budget ran out.
	ForcedProgression bool
	// NextSceneID is the scene now current, empty when the simulation is
	// over or the scene did not complete.
	NextSceneID string
	// TurnsRemaining is the budget left in the now-current scene.
	TurnsRemaining int
	// Status is the session status after the turn.
	Status domain.Status
}

// Orchestrator is the single entry point for the simulation protocol. Each
// session is processed as a strictly sequential stream of calls; different
// sessions run concurrently.
type Orchestrator struct {
	repo      store.Repository
	completer llm.Completer
	evaluator *GoalEvaluator
	hints     *HintEngine
	forcer    *ProgressionForcer
	notifier  Notifier
	locks     *sessionLocks
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier attaches a live-feed notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New creates an orchestrator on top of the given store and completion
// capability.
func New(repo store.Repository, completer llm.Completer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		completer: completer,
		evaluator: NewGoalEvaluator(completer, cfg.EvalMinTurns),
		hints:     NewHintEngine(completer, cfg.HintWindowDivisor),
		forcer:    NewProgressionForcer(completer),
		locks:     newSessionLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSession creates a new session for the scenario, pointed at its first
// scene and awaiting the begin command.
func (o *Orchestrator) StartSession(ctx context.Context, scenarioID, userID string) (*domain.SessionState, error) {
	sc, err := o.repo.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if sc == nil {
		return nil, fmt.Errorf("scenario %s: %w", scenarioID, ErrScenarioNotFound)
	}

	first := sc.FirstScene()
	if first == nil {
		return nil, fmt.Errorf("scenario %s has no scenes: %w", scenarioID, ErrScenarioNotFound)
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &domain.SessionState{
		ID:             id,
		ScenarioID:     scenarioID,
		UserID:         userID,
		Status:         domain.StatusAwaitingBegin,
		CurrentSceneID: first.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Session started", "session_id", sess.ID, "scenario_id", scenarioID, "user_id", userID)
	return sess, nil
}

// Progress returns a read-only summary of a session. It has no side effects.
func (o *Orchestrator) Progress(ctx context.Context, sessionID string) (*domain.ProgressSummary, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	sc, err := o.repo.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if sc == nil {
		return nil, fmt.Errorf("scenario %s: %w", sess.ScenarioID, ErrScenarioNotFound)
	}

	summary := &domain.ProgressSummary{
		SessionID:          sess.ID,
		ScenarioID:         sess.ScenarioID,
		Status:             sess.Status,
		CurrentSceneID:     sess.CurrentSceneID,
		ScenesTotal:        len(sc.Scenes),
		ScenesCompleted:    sess.ScenesCompleted,
		TurnsUsed:          sess.TurnsInScene,
		HintsIssued:        sess.HintsIssued,
		ForcedProgressions: sess.ForcedProgressions,
	}
	if summary.ScenesCompleted == nil {
		summary.ScenesCompleted = []domain.CompletedScene{}
	}
	if scene := sc.SceneByID(sess.CurrentSceneID); scene != nil {
		summary.CurrentSceneTitle = scene.Title
		summary.TurnsRemaining = sess.RemainingTurns(scene.MaxAttempts)
	}
	return summary, nil
}

// HandleMessage processes one inbound user message against the session's
// current scene. On external-service failure the session is left untouched
// so the client can safely retry the same message.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, sceneID, text string) (*TurnResult, error) {
	lock := o.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	if sess.Status == domain.StatusCompleted {
		return &TurnResult{
			Message: "This simulation is complete. Start a new session to run it again.",
			SceneID: sceneID,
			Status:  sess.Status,
		}, nil
	}

	if sceneID != sess.CurrentSceneID {
		return nil, &StaleSceneError{RequestedSceneID: sceneID, CurrentSceneID: sess.CurrentSceneID}
	}

	sc, err := o.repo.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if sc == nil {
		return nil, fmt.Errorf("scenario %s: %w", sess.ScenarioID, ErrScenarioNotFound)
	}

	scene := sc.SceneByID(sess.CurrentSceneID)
	if scene == nil {
		return nil, fmt.Errorf("scene %s missing from scenario %s: %w", sess.CurrentSceneID, sc.ID, ErrScenarioNotFound)
	}

	// An abandoned session revives on its next message: back to where it
	// was, mid-scene state intact.
	if sess.Status == domain.StatusAbandoned {
		if sess.BeganAt != nil {
			sess.Status = domain.StatusInProgress
		} else {
			sess.Status = domain.StatusAwaitingBegin
		}
		slog.Info("Session revived", "session_id", sess.ID, "status", sess.Status)
	}

	cmd := ParseCommand(text)
	switch cmd.Kind {
	case CommandBegin:
		return o.handleBegin(ctx, sc, scene, sess)
	case CommandHelp:
		// help is side-effect free: no counters, no log entry, no save.
		return &TurnResult{
			Message:        helpText(sc, scene, sess),
			SceneID:        scene.ID,
			TurnsRemaining: sess.RemainingTurns(scene.MaxAttempts),
			Status:         sess.Status,
		}, nil
	default:
		return o.handleTurn(ctx, sc, scene, sess, cmd, text)
	}
}

// handleBegin starts the current scene. Re-issuing begin after the scene has
// started returns the current state without restarting anything.
func (o *Orchestrator) handleBegin(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, sess *domain.SessionState) (*TurnResult, error) {
	if sess.Status != domain.StatusAwaitingBegin {
		return &TurnResult{
			Message:        fmt.Sprintf("Scene %q is already in progress. %d of %d turns used.", scene.Title, sess.TurnsInScene, scene.MaxAttempts),
			SceneID:        scene.ID,
			TurnsRemaining: sess.RemainingTurns(scene.MaxAttempts),
			Status:         sess.Status,
		}, nil
	}

	now := time.Now()
	sess.Status = domain.StatusInProgress
	sess.BeganAt = &now
	sess.UpdatedAt = now
	sess.LastActivityAt = now

	intro := sceneIntro(sc, scene)
	msgs := []domain.ConversationMessage{{
		SceneID: scene.ID,
		Sender:  domain.SenderSystem,
		Content: intro,
	}}

	appended, err := o.repo.CommitTurn(ctx, sess, msgs)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrStateConflict)
		}
		return nil, fmt.Errorf("commit begin: %w", err)
	}
	o.publish(sess.ID, appended)

	slog.Info("Scene begun", "session_id", sess.ID, "scene_id", scene.ID)
	return &TurnResult{
		Message:        intro,
		SceneID:        scene.ID,
		TurnsRemaining: scene.MaxAttempts,
		Status:         sess.Status,
	}, nil
}

// handleTurn runs one conversational exchange: route, fan out persona
// completions, evaluate, hint or force, and commit everything atomically.
func (o *Orchestrator) handleTurn(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, sess *domain.SessionState, cmd Command, text string) (*TurnResult, error) {
	if sess.Status == domain.StatusAwaitingBegin {
		return &TurnResult{
			Message:        fmt.Sprintf("The scene hasn't started yet. Type begin to meet %s.", sceneCastShort(sc, scene)),
			SceneID:        scene.ID,
			TurnsRemaining: scene.MaxAttempts,
			Status:         sess.Status,
		}, nil
	}

	attempt := sess.TurnsInScene + 1
	responders := Route(sc, scene, cmd.Mention)
	if len(responders) == 0 {
		return nil, fmt.Errorf("scene %s has no responding personas: %w", scene.ID, ErrScenarioNotFound)
	}

	prior, err := o.repo.ListSceneMessages(ctx, sess.ID, scene.ID)
	if err != nil {
		return nil, fmt.Errorf("load scene transcript: %w", err)
	}

	// Gather phase: all external calls happen against an immutable view
	// before anything is written, so a failure leaves no trace.
	replies, err := o.fanOut(ctx, sc, scene, prior, text, responders)
	if err != nil {
		return nil, err
	}

	userMsg := domain.ConversationMessage{
		SceneID: scene.ID,
		Sender:  domain.SenderUser,
		Content: text,
		Attempt: attempt,
	}
	msgs := make([]domain.ConversationMessage, 0, len(replies)+3)
	msgs = append(msgs, userMsg)
	for i, p := range responders {
		msgs = append(msgs, domain.ConversationMessage{
			SceneID:   scene.ID,
			Sender:    domain.SenderPersona,
			PersonaID: p.ID,
			Content:   replies[i],
			Attempt:   attempt,
		})
	}
	transcript := append(append([]domain.ConversationMessage{}, prior...), msgs...)

	verdict := Verdict{}
	if o.evaluator.ShouldEvaluate(attempt, scene.MaxAttempts) {
		verdict = o.evaluator.Evaluate(ctx, sc, scene, transcript)
		if verdict.Evaluated {
			slog.Debug("Goal evaluated", "session_id", sess.ID, "scene_id", scene.ID,
				"confidence", verdict.Confidence, "threshold", scene.SuccessThreshold, "achieved", verdict.Achieved)
		}
	}

	forced := false
	var hint string
	switch {
	case verdict.Achieved:
		// Scene complete on merit.
	case attempt >= scene.MaxAttempts:
		summary := o.forcer.Summary(ctx, sc, scene, transcript)
		msgs = append(msgs, domain.ConversationMessage{
			SceneID: scene.ID,
			Sender:  domain.SenderSystem,
			Content: summary,
			Attempt: attempt,
		})
		forced = true
	case o.hints.InWindow(attempt, scene.MaxAttempts):
		h, err := o.hints.Hint(ctx, sc, scene, transcript)
		if err != nil {
			slog.Warn("Hint generation failed, skipping hint", "session_id", sess.ID, "error", err)
		} else {
			hint = h
			msgs = append(msgs, domain.ConversationMessage{
				SceneID: scene.ID,
				Sender:  domain.SenderSystem,
				Content: h,
				Attempt: attempt,
				Hint:    true,
			})
		}
	}

	// Mutation phase: apply the fully-determined turn in one commit.
	now := time.Now()
	sess.TurnsInScene = attempt
	if hint != "" {
		sess.HintsIssued++
	}

	completed := verdict.Achieved || forced
	var next *domain.Scene
	if completed {
		sess.ScenesCompleted = append(sess.ScenesCompleted, domain.CompletedScene{SceneID: scene.ID, Forced: forced})
		if forced {
			sess.ForcedProgressions++
		}
		next = sc.SceneAfter(scene.ID)
		if next != nil {
			sess.CurrentSceneID = next.ID
			sess.TurnsInScene = 0
			msgs = append(msgs, domain.ConversationMessage{
				SceneID: next.ID,
				Sender:  domain.SenderSystem,
				Content: sceneIntro(sc, next),
			})
		} else {
			sess.Status = domain.StatusCompleted
		}
	}
	sess.UpdatedAt = now
	sess.LastActivityAt = now

	appended, err := o.repo.CommitTurn(ctx, sess, msgs)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrStateConflict)
		}
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	o.publish(sess.ID, appended)

	if completed {
		slog.Info("Scene completed", "session_id", sess.ID, "scene_id", scene.ID,
			"forced", forced, "turns", attempt, "confidence", verdict.Confidence)
	}

	result := &TurnResult{
		Message:           renderTurnMessage(sc, scene, next, replies, responders, hint, forced, msgs, verdict.Achieved),
		SceneID:           scene.ID,
		SceneCompleted:    completed,
		GoalAchieved:      verdict.Achieved,
		ForcedProgression: forced,
		Status:            sess.Status,
	}
	if next != nil {
		result.NextSceneID = next.ID
		result.TurnsRemaining = next.MaxAttempts
	} else if !completed {
		result.TurnsRemaining = scene.MaxAttempts - attempt
	}
	return result, nil
}

// fanOut requests one completion per responder. Requests run concurrently
// against the capability, but replies are collected by responder index so
// the log order stays deterministic.
func (o *Orchestrator) fanOut(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, prior []domain.ConversationMessage, userText string, responders []*domain.Persona) ([]string, error) {
	replies := make([]string, len(responders))
	errs := make([]error, len(responders))

	var wg sync.WaitGroup
	for i, p := range responders {
		wg.Add(1)
		go func(i int, p *domain.Persona) {
			defer wg.Done()
			replies[i], errs[i] = o.completer.Complete(ctx, llm.Request{
				System:      personaSystem(sc, scene, p),
				Messages:    personaMessages(sc, prior, userText, p),
				Temperature: 0.8,
				MaxTokens:   400,
			})
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("persona %s completion: %w", responders[i].ID, err)
		}
	}
	return replies, nil
}

func (o *Orchestrator) publish(sessionID string, msgs []domain.ConversationMessage) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(sessionID, msgs)
}

// renderTurnMessage assembles the user-facing response text with persona
// attribution, the hint if one was issued, and scene-transition notices.
func renderTurnMessage(sc *domain.Scenario, scene *domain.Scene, next *domain.Scene, replies []string, responders []*domain.Persona, hint string, forced bool, committed []domain.ConversationMessage, achieved bool) string {
	var parts []string
	for i, p := range responders {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Name, replies[i]))
	}
	if forced {
		for _, m := range committed {
			if m.Sender == domain.SenderSystem && !m.Hint && m.SceneID == scene.ID {
				parts = append(parts, m.Content)
			}
		}
	}
	if hint != "" {
		parts = append(parts, "Hint: "+hint)
	}
	if achieved {
		parts = append(parts, fmt.Sprintf("Scene %q complete: goal achieved.", scene.Title))
	}
	if next != nil {
		parts = append(parts, sceneIntro(sc, next))
	}
	return strings.Join(parts, "\n\n")
}

// sceneCastShort names the speaking personas for the begin prompt.
func sceneCastShort(sc *domain.Scenario, scene *domain.Scene) string {
	var names []string
	for _, id := range scene.AttachedPersonaIDs() {
		if p := sc.PersonaByID(id); p != nil {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return "the scene's participants"
	}
	return strings.Join(names, ", ")
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "sim_" + hex.EncodeToString(buf), nil
}
