package domain

import "testing"

func orderedScenario() *Scenario {
	return &Scenario{
		ID: "case",
		Personas: []Persona{
			{ID: "p1", Name: "Amara Diop"},
			{ID: "p2", Name: "Wanjohi Kamau"},
			{ID: "p3", Name: "Zeki"},
		},
		Scenes: []Scene{
			// Declared out of order on purpose.
			{ID: "c", Order: 3},
			{ID: "a", Order: 1, Personas: []ScenePersona{
				{PersonaID: "p2", Involvement: InvolvementKey},
				{PersonaID: "p1", Involvement: InvolvementParticipant},
				{PersonaID: "p3", Involvement: InvolvementMentioned},
			}},
			{ID: "b", Order: 2},
		},
	}
}

func TestFirstScene(t *testing.T) {
	sc := orderedScenario()
	first := sc.FirstScene()
	if first == nil || first.ID != "a" {
		t.Errorf("Expected first scene a, got %+v", first)
	}

	empty := &Scenario{}
	if empty.FirstScene() != nil {
		t.Errorf("Expected nil first scene for empty scenario")
	}
}

func TestSceneAfterFollowsOrder(t *testing.T) {
	sc := orderedScenario()

	tests := []struct {
		from string
		want string
	}{
		{"a", "b"},
		{"b", "c"},
	}
	for _, tt := range tests {
		next := sc.SceneAfter(tt.from)
		if next == nil || next.ID != tt.want {
			t.Errorf("SceneAfter(%s): expected %s, got %+v", tt.from, tt.want, next)
		}
	}

	if sc.SceneAfter("c") != nil {
		t.Errorf("Expected nil after the last scene")
	}
	if sc.SceneAfter("missing") != nil {
		t.Errorf("Expected nil for an unknown scene")
	}
}

func TestAttachedPersonaIDsExcludesMentioned(t *testing.T) {
	sc := orderedScenario()
	scene := sc.SceneByID("a")

	got := scene.AttachedPersonaIDs()
	if len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Errorf("Expected [p1 p2] in ascending order, got %v", got)
	}

	if scene.HasPersona("p3") {
		t.Errorf("A mentioned-only persona is not attached in a speaking capacity")
	}
	if !scene.HasPersona("p1") {
		t.Errorf("Expected p1 to be attached")
	}
}

func TestPersonaByName(t *testing.T) {
	sc := orderedScenario()

	tests := []struct {
		name string
		want string
	}{
		{"amara diop", "p1"},
		{"AMARA DIOP", "p1"},
		{"amara", "p1"},
		{"wanjohi", "p2"},
		{"zeki", "p3"},
		{"kamau", ""},
		{"nabil", ""},
		{"", ""},
	}
	for _, tt := range tests {
		p := sc.PersonaByName(tt.name)
		switch {
		case tt.want == "" && p != nil:
			t.Errorf("PersonaByName(%q): expected no match, got %s", tt.name, p.ID)
		case tt.want != "" && (p == nil || p.ID != tt.want):
			t.Errorf("PersonaByName(%q): expected %s, got %+v", tt.name, tt.want, p)
		}
	}
}

func TestRemainingTurns(t *testing.T) {
	s := &SessionState{TurnsInScene: 2}
	if got := s.RemainingTurns(6); got != 4 {
		t.Errorf("Expected 4 remaining, got %d", got)
	}
	s.TurnsInScene = 9
	if got := s.RemainingTurns(6); got != 0 {
		t.Errorf("Remaining turns must not go negative, got %d", got)
	}
}

func TestSessionActive(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusAwaitingBegin, true},
		{StatusInProgress, true},
		{StatusCompleted, false},
		{StatusAbandoned, false},
		{StatusNotStarted, false},
	}
	for _, tt := range tests {
		s := &SessionState{Status: tt.status}
		if got := s.Active(); got != tt.want {
			t.Errorf("Active() for %s: expected %v, got %v", tt.status, tt.want, got)
		}
	}
}
