package orchestrator

import (
	"context"
	"testing"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
)

func TestShouldEvaluate(t *testing.T) {
	e := NewGoalEvaluator(nil, 2)

	tests := []struct {
		name        string
		turns       int
		maxAttempts int
		want        bool
	}{
		{"first turn of a long scene", 1, 6, false},
		{"cadence floor reached", 2, 6, true},
		{"past cadence floor", 4, 6, true},
		{"turn before budget exhaustion", 5, 6, true},
		{"last turn", 6, 6, true},
		{"short scene evaluates immediately", 1, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ShouldEvaluate(tt.turns, tt.maxAttempts); got != tt.want {
				t.Errorf("ShouldEvaluate(%d, %d): expected %v, got %v", tt.turns, tt.maxAttempts, tt.want, got)
			}
		})
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
		ok   bool
	}{
		{"clean json", `{"confidence": 0.85, "reasoning": "strong"}`, 0.85, true},
		{"json with surrounding prose", "Here is my verdict: {\"confidence\": 0.4, \"reasoning\": \"partial\"} as requested.", 0.4, true},
		{"bare number", "0.72", 0.72, true},
		{"number inside prose", "I'd put the confidence at 0.65 overall.", 0.65, true},
		{"one", "1", 1, true},
		{"zero", "0", 0, true},
		{"out of range", `{"confidence": 1.7}`, 0, false},
		{"negative", `{"confidence": -0.2}`, 0, false},
		{"no number at all", "the learner did reasonably well", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseConfidence(tt.text)
			if ok != tt.ok {
				t.Fatalf("parseConfidence(%q): expected ok=%v, got %v", tt.text, tt.ok, ok)
			}
			if ok && got != tt.want {
				t.Errorf("parseConfidence(%q): expected %v, got %v", tt.text, tt.want, got)
			}
		})
	}
}

func TestEvaluateAgainstThreshold(t *testing.T) {
	sc := testScenario()
	scene := sc.SceneByID("s1") // threshold 0.8

	tests := []struct {
		name       string
		confidence float64
		achieved   bool
	}{
		{"above threshold", 0.9, true},
		{"exactly at threshold", 0.8, true},
		{"just below threshold", 0.79, false},
		{"far below threshold", 0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewGoalEvaluator(&fakeCompleter{confidence: tt.confidence}, 2)
			v := e.Evaluate(context.Background(), sc, scene, nil)
			if !v.Evaluated {
				t.Fatalf("Expected an evaluated verdict")
			}
			if v.Achieved != tt.achieved {
				t.Errorf("confidence %v vs threshold %v: expected achieved=%v, got %v",
					tt.confidence, scene.SuccessThreshold, tt.achieved, v.Achieved)
			}
		})
	}
}

func TestEvaluateFailureIsNotAchieved(t *testing.T) {
	sc := testScenario()
	scene := sc.SceneByID("s1")

	e := NewGoalEvaluator(&fakeCompleter{failEval: true}, 2)
	v := e.Evaluate(context.Background(), sc, scene, nil)
	if !v.Evaluated {
		t.Errorf("A failed evaluation still counts as evaluated for cadence purposes")
	}
	if v.Achieved {
		t.Errorf("A failed evaluation must never complete the scene")
	}
}

func TestHintWindow(t *testing.T) {
	h := NewHintEngine(nil, 3)

	tests := []struct {
		name        string
		turnsUsed   int
		maxAttempts int
		want        bool
	}{
		{"early in a six turn scene", 1, 6, false},
		{"mid scene", 3, 6, false},
		{"two remaining of six", 4, 6, true},
		{"one remaining of six", 5, 6, true},
		{"budget exhausted", 6, 6, false},
		{"one remaining of three", 2, 3, true},
		{"two remaining of three", 1, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.InWindow(tt.turnsUsed, tt.maxAttempts); got != tt.want {
				t.Errorf("InWindow(%d, %d): expected %v, got %v", tt.turnsUsed, tt.maxAttempts, tt.want, got)
			}
		})
	}
}

type downCompleter struct{}

func (downCompleter) Complete(context.Context, llm.Request) (string, error) {
	return "", llm.ErrUnavailable
}

func TestForcedSummaryFallsBack(t *testing.T) {
	sc := testScenario()
	scene := sc.SceneByID("s1")

	f := NewProgressionForcer(downCompleter{})
	summary := f.Summary(context.Background(), sc, scene, []domain.ConversationMessage{})
	if summary == "" {
		t.Fatalf("Forced summary must never be empty")
	}
}
