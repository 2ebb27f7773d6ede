package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
)

// GoalEvaluator decides whether the active scene's objective is satisfied.
//
// It runs on a cadence rather than every turn to bound external-call cost:
// every turn once minTurns have elapsed in the scene, and always on the turn
// immediately preceding budget exhaustion. A capability failure or an
// unparsable verdict counts as "not yet achieved": the conversation keeps
// going rather than the turn erroring or the scene falsely completing.
type GoalEvaluator struct {
	completer llm.Completer
	minTurns  int
}

// NewGoalEvaluator creates an evaluator with the given cadence floor.
func NewGoalEvaluator(completer llm.Completer, minTurns int) *GoalEvaluator {
	if minTurns < 0 {
		minTurns = 0
	}
	return &GoalEvaluator{completer: completer, minTurns: minTurns}
}

// Verdict is the outcome of one goal evaluation.
type Verdict struct {
	Evaluated  bool
	Achieved   bool
	Confidence float64
}

// ShouldEvaluate reports whether the evaluation cadence fires for the given
// turn count.
func (e *GoalEvaluator) ShouldEvaluate(turns, maxAttempts int) bool {
	if turns >= maxAttempts-1 {
		return true
	}
	return turns >= e.minTurns
}

// Evaluate judges the scene transcript against the goal criteria, returning
// whether the returned confidence clears the scene's success threshold.
func (e *GoalEvaluator) Evaluate(ctx context.Context, sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) Verdict {
	text, err := e.completer.Complete(ctx, llm.Request{
		System:      evaluatorSystem(),
		Messages:    []llm.Message{{Role: "user", Content: evaluatorPrompt(sc, scene, transcript)}},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		slog.Warn("Goal evaluation failed, treating as not achieved", "scene_id", scene.ID, "error", err)
		return Verdict{Evaluated: true}
	}

	confidence, ok := parseConfidence(text)
	if !ok {
		slog.Warn("Goal evaluation returned unparsable verdict, treating as not achieved",
			"scene_id", scene.ID, "response_length", len(text))
		return Verdict{Evaluated: true}
	}

	return Verdict{
		Evaluated:  true,
		Achieved:   confidence >= scene.SuccessThreshold,
		Confidence: confidence,
	}
}

var numberPattern = regexp.MustCompile(`[0-9]*\.?[0-9]+`)

// parseConfidence extracts a confidence score in [0,1] from the model
// response. It accepts a JSON object, a JSON object embedded in surrounding
// prose, or a bare number.
func parseConfidence(text string) (float64, bool) {
	var verdict struct {
		Confidence *float64 `json:"confidence"`
	}

	candidate := strings.TrimSpace(text)
	if start := strings.Index(candidate, "{"); start >= 0 {
		if end := strings.LastIndex(candidate, "}"); end > start {
			if err := json.Unmarshal([]byte(candidate[start:end+1]), &verdict); err == nil && verdict.Confidence != nil {
				return clampConfidence(*verdict.Confidence)
			}
		}
	}

	if v, err := strconv.ParseFloat(candidate, 64); err == nil {
		return clampConfidence(v)
	}
	if m := numberPattern.FindString(candidate); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return clampConfidence(v)
		}
	}
	return 0, false
}

func clampConfidence(v float64) (float64, bool) {
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}
