package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
)

// HintEngine produces guidance when progress stalls near the end of a
// scene's turn budget. Hints are tagged in the log and never consume turns.
type HintEngine struct {
	completer     llm.Completer
	windowDivisor int
}

// NewHintEngine creates a hint engine. Hints start once remaining turns drop
// to ceil(maxAttempts / windowDivisor).
func NewHintEngine(completer llm.Completer, windowDivisor int) *HintEngine {
	if windowDivisor < 1 {
		windowDivisor = 3
	}
	return &HintEngine{completer: completer, windowDivisor: windowDivisor}
}

// InWindow reports whether the hint low-water mark has been reached after
// turnsUsed turns.
func (h *HintEngine) InWindow(turnsUsed, maxAttempts int) bool {
	remaining := maxAttempts - turnsUsed
	if remaining <= 0 {
		return false
	}
	watermark := (maxAttempts + h.windowDivisor - 1) / h.windowDivisor
	return remaining <= watermark
}

// Hint requests a contextual hint from the capability. A failure here is
// non-fatal to the turn; the caller skips the hint.
func (h *HintEngine) Hint(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) (string, error) {
	text, err := h.completer.Complete(ctx, llm.Request{
		System:      hintSystem(),
		Messages:    []llm.Message{{Role: "user", Content: hintPrompt(sc, scene, transcript)}},
		Temperature: 0.7,
		MaxTokens:   150,
	})
	if err != nil {
		return "", fmt.Errorf("generate hint: %w", err)
	}
	return text, nil
}

// ProgressionForcer closes out a scene whose turn budget is exhausted
// without goal achievement. Forced progression is a normal protocol event,
// not a failure.
type ProgressionForcer struct {
	completer llm.Completer
}

// NewProgressionForcer creates a forcer.
func NewProgressionForcer(completer llm.Completer) *ProgressionForcer {
	return &ProgressionForcer{completer: completer}
}

// Summary requests a closing summary of what was and was not covered. If the
// capability fails, a static fallback is used: budget exhaustion must always
// advance the scene, so the forcer never blocks progression.
func (f *ProgressionForcer) Summary(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) string {
	text, err := f.completer.Complete(ctx, llm.Request{
		System:      summarySystem(),
		Messages:    []llm.Message{{Role: "user", Content: summaryPrompt(sc, scene, transcript)}},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		slog.Warn("Forced-progression summary failed, using fallback", "scene_id", scene.ID, "error", err)
		return fmt.Sprintf(
			"You've used all your turns for %q. The objective was: %s. The simulation is moving on to the next scene.",
			scene.Title, scene.UserGoal,
		)
	}
	return text
}
