package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
	"github.com/casedrill/casedrill/internal/store"
)

// fakeCompleter scripts the completion capability. Prompt kinds are told
// apart by their system prompt, which lives in this package.
type fakeCompleter struct {
	mu           sync.Mutex
	confidence   float64
	failPersonas bool
	failEval     bool
	failHints    bool
	calls        int
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	switch req.System {
	case evaluatorSystem():
		if f.failEval {
			return "", fmt.Errorf("%w: eval down", llm.ErrUnavailable)
		}
		return fmt.Sprintf(`{"confidence": %.2f, "reasoning": "scripted"}`, f.confidence), nil
	case hintSystem():
		if f.failHints {
			return "", fmt.Errorf("%w: hints down", llm.ErrUnavailable)
		}
		return "try asking about the assumptions directly", nil
	case summarySystem():
		return "scripted closing summary", nil
	default:
		if f.failPersonas {
			return "", fmt.Errorf("%w: personas down", llm.ErrUnavailable)
		}
		return "a measured in-character reply", nil
	}
}

// memRepo is an in-memory store.Repository for protocol tests. It returns
// copies so callers cannot mutate stored state without committing.
type memRepo struct {
	mu           sync.Mutex
	scenarios    map[string]*domain.Scenario
	sessions     map[string]*domain.SessionState
	messages     map[string][]domain.ConversationMessage
	conflictOnce bool
}

func newMemRepo(scenarios ...*domain.Scenario) *memRepo {
	r := &memRepo{
		scenarios: make(map[string]*domain.Scenario),
		sessions:  make(map[string]*domain.SessionState),
		messages:  make(map[string][]domain.ConversationMessage),
	}
	for _, sc := range scenarios {
		r.scenarios[sc.ID] = sc
	}
	return r
}

func copySession(s *domain.SessionState) *domain.SessionState {
	cp := *s
	cp.ScenesCompleted = append([]domain.CompletedScene(nil), s.ScenesCompleted...)
	if s.BeganAt != nil {
		t := *s.BeganAt
		cp.BeganAt = &t
	}
	return &cp
}

func (r *memRepo) UpsertScenario(_ context.Context, sc *domain.Scenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenarios[sc.ID] = sc
	return nil
}

func (r *memRepo) GetScenario(_ context.Context, id string) (*domain.Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scenarios[id], nil
}

func (r *memRepo) ListScenarios(_ context.Context) ([]*domain.Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Scenario
	for _, sc := range r.scenarios {
		out = append(out, sc)
	}
	return out, nil
}

func (r *memRepo) GetLearner(_ context.Context, _ string) (*domain.Learner, error) { return nil, nil }
func (r *memRepo) UpsertLearner(_ context.Context, _ *domain.Learner) error       { return nil }
func (r *memRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error  { return nil }

func (r *memRepo) CreateSession(_ context.Context, sess *domain.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.Version = 1
	r.sessions[sess.ID] = copySession(sess)
	return nil
}

func (r *memRepo) GetSession(_ context.Context, id string) (*domain.SessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(stored), nil
}

func (r *memRepo) SaveSession(_ context.Context, sess *domain.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(sess)
}

func (r *memRepo) saveLocked(sess *domain.SessionState) error {
	stored, ok := r.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	if r.conflictOnce {
		r.conflictOnce = false
		return store.ErrVersionConflict
	}
	if stored.Version != sess.Version {
		return store.ErrVersionConflict
	}
	sess.Version++
	r.sessions[sess.ID] = copySession(sess)
	return nil
}

func (r *memRepo) CommitTurn(_ context.Context, sess *domain.SessionState, msgs []domain.ConversationMessage) ([]domain.ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveLocked(sess); err != nil {
		return nil, err
	}
	out := make([]domain.ConversationMessage, len(msgs))
	seq := int64(len(r.messages[sess.ID]))
	for i, msg := range msgs {
		seq++
		msg.Seq = seq
		msg.CreatedAt = time.Now()
		r.messages[sess.ID] = append(r.messages[sess.ID], msg)
		out[i] = msg
	}
	return out, nil
}

func (r *memRepo) AppendMessage(ctx context.Context, sessionID string, msg domain.ConversationMessage) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := int64(len(r.messages[sessionID])) + 1
	msg.Seq = seq
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	return seq, nil
}

func (r *memRepo) ListMessages(_ context.Context, sessionID string) ([]domain.ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConversationMessage(nil), r.messages[sessionID]...), nil
}

func (r *memRepo) ListSceneMessages(_ context.Context, sessionID, sceneID string) ([]domain.ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConversationMessage
	for _, m := range r.messages[sessionID] {
		if m.SceneID == sceneID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) GetIdleSessions(_ context.Context, _ time.Duration) ([]*domain.SessionState, error) {
	return nil, nil
}

func (r *memRepo) MarkAbandoned(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.Active() {
		s.Status = domain.StatusAbandoned
		s.Version++
	}
	return nil
}

func (r *memRepo) Ping(_ context.Context) error { return nil }
func (r *memRepo) Close() error                 { return nil }

func testScenario() *domain.Scenario {
	return &domain.Scenario{
		ID:    "delta",
		Title: "River Delta Expansion",
		Personas: []domain.Persona{
			{ID: "amara", Name: "Amara", Role: "Head of Operations"},
			{ID: "wanjohi", Name: "Wanjohi", Role: "CFO"},
		},
		Scenes: []domain.Scene{
			{
				ID: "s1", Order: 1, Title: "Kickoff", Description: "First meeting.",
				UserGoal: "Align on assumptions", GoalCriteria: []string{"three assumptions named"},
				MaxAttempts: 3, SuccessThreshold: 0.8,
				Personas: []domain.ScenePersona{
					{PersonaID: "wanjohi", Involvement: domain.InvolvementKey},
					{PersonaID: "amara", Involvement: domain.InvolvementParticipant},
				},
			},
			{
				ID: "s2", Order: 2, Title: "Review", Description: "Second meeting.",
				UserGoal: "Agree on mitigation", GoalCriteria: []string{"plan accepted"},
				MaxAttempts: 2, SuccessThreshold: 0.8,
				Personas: []domain.ScenePersona{
					{PersonaID: "amara", Involvement: domain.InvolvementParticipant},
					{PersonaID: "wanjohi", Involvement: domain.InvolvementParticipant},
				},
			},
		},
	}
}

func newTestOrchestrator(repo store.Repository, completer llm.Completer) *Orchestrator {
	return New(repo, completer, Config{EvalMinTurns: 2, HintWindowDivisor: 3})
}

func begunSession(t *testing.T, o *Orchestrator, repo *memRepo) *domain.SessionState {
	t.Helper()
	sess, err := o.StartSession(context.Background(), "delta", "anon_1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := o.HandleMessage(context.Background(), sess.ID, sess.CurrentSceneID, "begin"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	got, err := repo.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return got
}

func TestStartSessionUnknownScenario(t *testing.T) {
	o := newTestOrchestrator(newMemRepo(), &fakeCompleter{})

	_, err := o.StartSession(context.Background(), "nope", "anon_1")
	if !errors.Is(err, ErrScenarioNotFound) {
		t.Errorf("Expected ErrScenarioNotFound, got %v", err)
	}
}

func TestStartSessionAwaitsBegin(t *testing.T) {
	o := newTestOrchestrator(newMemRepo(testScenario()), &fakeCompleter{})

	sess, err := o.StartSession(context.Background(), "delta", "anon_1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.Status != domain.StatusAwaitingBegin {
		t.Errorf("Expected status awaiting_begin, got %s", sess.Status)
	}
	if sess.CurrentSceneID != "s1" {
		t.Errorf("Expected first scene s1, got %s", sess.CurrentSceneID)
	}
}

func TestBeginStartsScene(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{})

	sess, _ := o.StartSession(context.Background(), "delta", "anon_1")
	result, err := o.HandleMessage(context.Background(), sess.ID, "s1", "BEGIN")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	if result.Status != domain.StatusInProgress {
		t.Errorf("Expected in_progress, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "Align on assumptions") {
		t.Errorf("Intro should include the goal, got %q", result.Message)
	}
	if !strings.Contains(result.Message, "Wanjohi") {
		t.Errorf("Intro should name the cast, got %q", result.Message)
	}

	msgs, _ := repo.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 1 || msgs[0].Sender != domain.SenderSystem {
		t.Errorf("Expected one system intro message, got %d messages", len(msgs))
	}
}

func TestBeginIdempotent(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{})
	sess := begunSession(t, o, repo)

	before, _ := repo.ListMessages(context.Background(), sess.ID)

	result, err := o.HandleMessage(context.Background(), sess.ID, "s1", "begin")
	if err != nil {
		t.Fatalf("second begin failed: %v", err)
	}
	if result.Status != domain.StatusInProgress {
		t.Errorf("Expected in_progress, got %s", result.Status)
	}

	after, _ := repo.ListMessages(context.Background(), sess.ID)
	if len(after) != len(before) {
		t.Errorf("Second begin must not append messages: %d -> %d", len(before), len(after))
	}

	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.TurnsInScene != 0 {
		t.Errorf("Second begin must not touch turn counter, got %d", got.TurnsInScene)
	}
}

func TestMessageBeforeBeginDoesNotMutate(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{})

	sess, _ := o.StartSession(context.Background(), "delta", "anon_1")
	result, err := o.HandleMessage(context.Background(), sess.ID, "s1", "hello there")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !strings.Contains(strings.ToLower(result.Message), "begin") {
		t.Errorf("Expected guidance to type begin, got %q", result.Message)
	}

	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.Status != domain.StatusAwaitingBegin || got.TurnsInScene != 0 {
		t.Errorf("Pre-begin message must not mutate session: status=%s turns=%d", got.Status, got.TurnsInScene)
	}
	msgs, _ := repo.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 0 {
		t.Errorf("Pre-begin message must not be logged, got %d messages", len(msgs))
	}
}

func TestHelpIsSideEffectFree(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "here is my plan"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	before, _ := repo.GetSession(context.Background(), sess.ID)
	beforeMsgs, _ := repo.ListMessages(context.Background(), sess.ID)

	result, err := o.HandleMessage(context.Background(), sess.ID, "s1", "Help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	if !strings.Contains(result.Message, "begin") || !strings.Contains(result.Message, "@name") {
		t.Errorf("Help should list commands, got %q", result.Message)
	}

	after, _ := repo.GetSession(context.Background(), sess.ID)
	afterMsgs, _ := repo.ListMessages(context.Background(), sess.ID)

	if after.TurnsInScene != before.TurnsInScene ||
		after.Status != before.Status ||
		len(after.ScenesCompleted) != len(before.ScenesCompleted) ||
		after.Version != before.Version {
		t.Errorf("help mutated session state: before=%+v after=%+v", before, after)
	}
	if len(afterMsgs) != len(beforeMsgs) {
		t.Errorf("help appended messages: %d -> %d", len(beforeMsgs), len(afterMsgs))
	}
}

func TestStaleSceneReturnsCurrent(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{})
	sess := begunSession(t, o, repo)

	_, err := o.HandleMessage(context.Background(), sess.ID, "s2", "hello")
	var stale *StaleSceneError
	if !errors.As(err, &stale) {
		t.Fatalf("Expected StaleSceneError, got %v", err)
	}
	if stale.CurrentSceneID != "s1" {
		t.Errorf("Expected authoritative scene s1, got %s", stale.CurrentSceneID)
	}
}

func TestUnknownSession(t *testing.T) {
	o := newTestOrchestrator(newMemRepo(testScenario()), &fakeCompleter{})

	_, err := o.HandleMessage(context.Background(), "sim_missing", "s1", "hi")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestKeyPersonaRouting(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "what do you think?"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	msgs, _ := repo.ListSceneMessages(context.Background(), sess.ID, "s1")
	var personaMsgs []domain.ConversationMessage
	for _, m := range msgs {
		if m.Sender == domain.SenderPersona {
			personaMsgs = append(personaMsgs, m)
		}
	}
	if len(personaMsgs) != 1 {
		t.Fatalf("Expected exactly one persona response, got %d", len(personaMsgs))
	}
	if personaMsgs[0].PersonaID != "wanjohi" {
		t.Errorf("Expected key persona wanjohi to respond, got %s", personaMsgs[0].PersonaID)
	}
}

func TestMentionRoutesToNamedPersona(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "@Amara what does ops think?"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	msgs, _ := repo.ListSceneMessages(context.Background(), sess.ID, "s1")
	var personaIDs []string
	for _, m := range msgs {
		if m.Sender == domain.SenderPersona {
			personaIDs = append(personaIDs, m.PersonaID)
		}
	}
	if len(personaIDs) != 1 || personaIDs[0] != "amara" {
		t.Errorf("Expected only amara to respond, got %v", personaIDs)
	}
}

func TestUnresolvableMentionFallsBack(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	result, err := o.HandleMessage(context.Background(), sess.ID, "s1", "@zeki hello")
	if err != nil {
		t.Fatalf("Unresolvable mention must not error: %v", err)
	}
	if result.SceneCompleted {
		t.Errorf("Unexpected scene completion")
	}

	msgs, _ := repo.ListSceneMessages(context.Background(), sess.ID, "s1")
	var personaIDs []string
	for _, m := range msgs {
		if m.Sender == domain.SenderPersona {
			personaIDs = append(personaIDs, m.PersonaID)
		}
	}
	if len(personaIDs) != 1 || personaIDs[0] != "wanjohi" {
		t.Errorf("Expected fallback to key persona wanjohi, got %v", personaIDs)
	}
}

func TestGoalAchievedAdvancesScene(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.9})
	sess := begunSession(t, o, repo)

	// Turn 1: below the evaluation cadence floor, scene continues.
	r1, err := o.HandleMessage(context.Background(), sess.ID, "s1", "first point")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if r1.SceneCompleted {
		t.Fatalf("Scene must not complete before the evaluation cadence fires")
	}

	// Turn 2: evaluated at 0.9 against threshold 0.8.
	r2, err := o.HandleMessage(context.Background(), sess.ID, "s1", "second point")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if !r2.SceneCompleted || !r2.GoalAchieved || r2.ForcedProgression {
		t.Errorf("Expected goal-achieved completion, got %+v", r2)
	}
	if r2.NextSceneID != "s2" {
		t.Errorf("Expected advance to s2, got %q", r2.NextSceneID)
	}

	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.CurrentSceneID != "s2" || got.TurnsInScene != 0 {
		t.Errorf("Expected current scene s2 with reset turns, got scene=%s turns=%d", got.CurrentSceneID, got.TurnsInScene)
	}
	if len(got.ScenesCompleted) != 1 || got.ScenesCompleted[0].SceneID != "s1" || got.ScenesCompleted[0].Forced {
		t.Errorf("Expected s1 completed unforced, got %+v", got.ScenesCompleted)
	}
}

func TestForcedProgressionAtBudget(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	var last *TurnResult
	for i := 0; i < 3; i++ {
		r, err := o.HandleMessage(context.Background(), sess.ID, "s1", fmt.Sprintf("attempt %d", i+1))
		if err != nil {
			t.Fatalf("turn %d failed: %v", i+1, err)
		}
		last = r
		if i < 2 && r.SceneCompleted {
			t.Fatalf("Scene completed early on turn %d", i+1)
		}
	}

	if !last.SceneCompleted || !last.ForcedProgression || last.GoalAchieved {
		t.Errorf("Expected forced progression on turn 3, got %+v", last)
	}

	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.CurrentSceneID != "s2" {
		t.Errorf("Expected advance to s2, got %s", got.CurrentSceneID)
	}
	if got.ForcedProgressions != 1 {
		t.Errorf("Expected 1 forced progression, got %d", got.ForcedProgressions)
	}
	if len(got.ScenesCompleted) != 1 || !got.ScenesCompleted[0].Forced {
		t.Errorf("Expected s1 completed with forced flag, got %+v", got.ScenesCompleted)
	}
	if got.HintsIssued == 0 {
		t.Errorf("Expected a hint inside the low-water window")
	}
}

func TestTurnCounterNeverExceedsBudget(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	for i := 0; i < 3; i++ {
		if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "push"); err != nil {
			t.Fatalf("turn failed: %v", err)
		}
		got, _ := repo.GetSession(context.Background(), sess.ID)
		if got.CurrentSceneID == "s1" && got.TurnsInScene > 3 {
			t.Fatalf("Turn counter exceeded budget: %d", got.TurnsInScene)
		}
	}
}

func TestSimulationCompletes(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.9})
	sess := begunSession(t, o, repo)

	// s1 completes on turn 2, s2 (max 2 turns, eval fires on turn 1 since
	// it precedes budget exhaustion) completes on its first turn.
	o.HandleMessage(context.Background(), sess.ID, "s1", "one")
	r, err := o.HandleMessage(context.Background(), sess.ID, "s1", "two")
	if err != nil || r.NextSceneID != "s2" {
		t.Fatalf("Expected advance to s2: result=%+v err=%v", r, err)
	}

	final, err := o.HandleMessage(context.Background(), sess.ID, "s2", "wrap it up")
	if err != nil {
		t.Fatalf("final turn failed: %v", err)
	}
	if !final.SceneCompleted || final.NextSceneID != "" {
		t.Fatalf("Expected last scene completion, got %+v", final)
	}
	if final.Status != domain.StatusCompleted {
		t.Errorf("Expected completed status, got %s", final.Status)
	}

	// Prefix property: completed scenes are exactly the scenario order.
	got, _ := repo.GetSession(context.Background(), sess.ID)
	want := []string{"s1", "s2"}
	if len(got.ScenesCompleted) != len(want) {
		t.Fatalf("Expected %d completed scenes, got %d", len(want), len(got.ScenesCompleted))
	}
	for i, w := range want {
		if got.ScenesCompleted[i].SceneID != w {
			t.Errorf("Completed scene %d: expected %s, got %s", i, w, got.ScenesCompleted[i].SceneID)
		}
	}

	// Messaging a finished simulation is a no-op response, not an error.
	after, err := o.HandleMessage(context.Background(), sess.ID, "s2", "anyone there?")
	if err != nil {
		t.Fatalf("post-completion message errored: %v", err)
	}
	if !strings.Contains(after.Message, "complete") {
		t.Errorf("Expected completion notice, got %q", after.Message)
	}
}

func TestFanOutKeepsDeterministicOrderAndGaplessSequence(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})

	// Get to s2, where both personas respond with no key persona.
	sess := begunSession(t, o, repo)
	for i := 0; i < 3; i++ {
		if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "push"); err != nil {
			t.Fatalf("s1 turn failed: %v", err)
		}
	}

	if _, err := o.HandleMessage(context.Background(), sess.ID, "s2", "hello both"); err != nil {
		t.Fatalf("s2 turn failed: %v", err)
	}

	msgs, _ := repo.ListMessages(context.Background(), sess.ID)
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("Sequence numbers must be gapless and strictly increasing: index %d has seq %d", i, m.Seq)
		}
	}

	var s2Personas []string
	for _, m := range msgs {
		if m.SceneID == "s2" && m.Sender == domain.SenderPersona {
			s2Personas = append(s2Personas, m.PersonaID)
		}
	}
	if len(s2Personas) != 2 || s2Personas[0] != "amara" || s2Personas[1] != "wanjohi" {
		t.Errorf("Fan-out must append in ascending persona ID order, got %v", s2Personas)
	}
}

func TestExternalFailureLeavesSessionUntouched(t *testing.T) {
	repo := newMemRepo(testScenario())
	fc := &fakeCompleter{confidence: 0.1}
	o := newTestOrchestrator(repo, fc)
	sess := begunSession(t, o, repo)

	before, _ := repo.GetSession(context.Background(), sess.ID)
	beforeMsgs, _ := repo.ListMessages(context.Background(), sess.ID)

	fc.failPersonas = true
	_, err := o.HandleMessage(context.Background(), sess.ID, "s1", "hello?")
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}

	after, _ := repo.GetSession(context.Background(), sess.ID)
	afterMsgs, _ := repo.ListMessages(context.Background(), sess.ID)
	if after.TurnsInScene != before.TurnsInScene || after.Version != before.Version {
		t.Errorf("Failed turn mutated the session: before=%+v after=%+v", before, after)
	}
	if len(afterMsgs) != len(beforeMsgs) {
		t.Errorf("Failed turn appended messages: %d -> %d", len(beforeMsgs), len(afterMsgs))
	}

	// Retry after recovery succeeds with the same message.
	fc.failPersonas = false
	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "hello?"); err != nil {
		t.Errorf("Retry after recovery failed: %v", err)
	}
}

func TestEvaluatorFailureIsFailOpen(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.9, failEval: true})
	sess := begunSession(t, o, repo)

	o.HandleMessage(context.Background(), sess.ID, "s1", "one")
	r, err := o.HandleMessage(context.Background(), sess.ID, "s1", "two")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if r.SceneCompleted {
		t.Errorf("Evaluator failure must not complete the scene")
	}
}

func TestHintFailureDoesNotFailTurn(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1, failHints: true})
	sess := begunSession(t, o, repo)

	// Turn 2 is inside the hint window for max_attempts=3.
	o.HandleMessage(context.Background(), sess.ID, "s1", "one")
	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "two"); err != nil {
		t.Fatalf("Hint failure must not fail the turn: %v", err)
	}

	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.HintsIssued != 0 {
		t.Errorf("Failed hint must not count as issued, got %d", got.HintsIssued)
	}
}

func TestStateConflictSurfaces(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	repo.mu.Lock()
	repo.conflictOnce = true
	repo.mu.Unlock()

	_, err := o.HandleMessage(context.Background(), sess.ID, "s1", "hello")
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("Expected ErrStateConflict, got %v", err)
	}
}

func TestAbandonedSessionRevives(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	if err := repo.MarkAbandoned(context.Background(), sess.ID); err != nil {
		t.Fatalf("MarkAbandoned failed: %v", err)
	}

	if _, err := o.HandleMessage(context.Background(), sess.ID, "s1", "I'm back"); err != nil {
		t.Fatalf("Revival turn failed: %v", err)
	}
	got, _ := repo.GetSession(context.Background(), sess.ID)
	if got.Status != domain.StatusInProgress {
		t.Errorf("Expected revived in_progress session, got %s", got.Status)
	}
	if got.TurnsInScene != 1 {
		t.Errorf("Expected mid-scene state intact, got turns=%d", got.TurnsInScene)
	}
}

func TestProgressIsReadOnly(t *testing.T) {
	repo := newMemRepo(testScenario())
	o := newTestOrchestrator(repo, &fakeCompleter{confidence: 0.1})
	sess := begunSession(t, o, repo)

	o.HandleMessage(context.Background(), sess.ID, "s1", "one")
	before, _ := repo.GetSession(context.Background(), sess.ID)

	summary, err := o.Progress(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if summary.TurnsUsed != 1 || summary.TurnsRemaining != 2 {
		t.Errorf("Expected 1 used / 2 remaining, got %d / %d", summary.TurnsUsed, summary.TurnsRemaining)
	}
	if summary.ScenesTotal != 2 {
		t.Errorf("Expected 2 total scenes, got %d", summary.ScenesTotal)
	}

	after, _ := repo.GetSession(context.Background(), sess.ID)
	if after.Version != before.Version {
		t.Errorf("Progress mutated the session")
	}
}
