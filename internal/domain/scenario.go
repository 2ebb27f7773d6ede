// Package domain contains core domain types for the CaseDrill simulation engine.
package domain

import (
	"sort"
	"strings"
)

// Involvement describes how strongly a persona participates in a scene.
type Involvement string

const (
	// InvolvementKey marks the persona the user is primarily expected to engage.
	InvolvementKey Involvement = "key"
	// InvolvementParticipant marks a persona present in the scene.
	InvolvementParticipant Involvement = "participant"
	// InvolvementMentioned marks a persona referenced but not speaking.
	InvolvementMentioned Involvement = "mentioned"
)

// Valid reports whether the involvement level is one of the known values.
func (i Involvement) Valid() bool {
	switch i {
	case InvolvementKey, InvolvementParticipant, InvolvementMentioned:
		return true
	}
	return false
}

// Persona is a simulated conversational counterpart.
type Persona struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Role       string   `json:"role" yaml:"role"`
	Background string   `json:"background" yaml:"background"`
	Traits     []string `json:"traits,omitempty" yaml:"traits,omitempty"`
}

// ScenePersona attaches a persona to a scene with an involvement level.
type ScenePersona struct {
	PersonaID   string      `json:"persona_id" yaml:"id"`
	Involvement Involvement `json:"involvement" yaml:"involvement"`
}

// Scene is one step in a scenario with its own objective and turn budget.
type Scene struct {
	ID               string         `json:"id" yaml:"id"`
	Order            int            `json:"order" yaml:"order"`
	Title            string         `json:"title" yaml:"title"`
	Description      string         `json:"description" yaml:"description"`
	UserGoal         string         `json:"user_goal" yaml:"user_goal"`
	GoalCriteria     []string       `json:"goal_criteria" yaml:"goal_criteria"`
	MaxAttempts      int            `json:"max_attempts" yaml:"max_attempts"`
	SuccessThreshold float64        `json:"success_threshold" yaml:"success_threshold"`
	Personas         []ScenePersona `json:"personas" yaml:"personas"`
}

// AttachedPersonaIDs returns all speaking persona IDs (key and participant)
// in ascending ID order. Mentioned personas never respond.
func (s *Scene) AttachedPersonaIDs() []string {
	ids := make([]string, 0, len(s.Personas))
	for _, sp := range s.Personas {
		if sp.Involvement == InvolvementMentioned {
			continue
		}
		ids = append(ids, sp.PersonaID)
	}
	sort.Strings(ids)
	return ids
}

// KeyPersonaIDs returns the IDs of personas marked key, in ascending order.
func (s *Scene) KeyPersonaIDs() []string {
	var ids []string
	for _, sp := range s.Personas {
		if sp.Involvement == InvolvementKey {
			ids = append(ids, sp.PersonaID)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasPersona reports whether the persona is attached to the scene in any
// speaking capacity.
func (s *Scene) HasPersona(personaID string) bool {
	for _, sp := range s.Personas {
		if sp.PersonaID == personaID && sp.Involvement != InvolvementMentioned {
			return true
		}
	}
	return false
}

// Scenario is the overall business case: ordered scenes plus the persona cast.
// It is immutable once loaded and shared across sessions.
type Scenario struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	Personas    []Persona `json:"personas" yaml:"personas"`
	Scenes      []Scene   `json:"scenes" yaml:"scenes"`
}

// FirstScene returns the scene with the lowest order, or nil if the scenario
// has no scenes.
func (sc *Scenario) FirstScene() *Scene {
	if len(sc.Scenes) == 0 {
		return nil
	}
	first := &sc.Scenes[0]
	for i := range sc.Scenes {
		if sc.Scenes[i].Order < first.Order {
			first = &sc.Scenes[i]
		}
	}
	return first
}

// SceneByID looks up a scene by its identifier.
func (sc *Scenario) SceneByID(id string) *Scene {
	for i := range sc.Scenes {
		if sc.Scenes[i].ID == id {
			return &sc.Scenes[i]
		}
	}
	return nil
}

// SceneAfter returns the scene following the given scene in order, or nil if
// it is the last one.
func (sc *Scenario) SceneAfter(id string) *Scene {
	cur := sc.SceneByID(id)
	if cur == nil {
		return nil
	}
	var next *Scene
	for i := range sc.Scenes {
		s := &sc.Scenes[i]
		if s.Order <= cur.Order {
			continue
		}
		if next == nil || s.Order < next.Order {
			next = s
		}
	}
	return next
}

// PersonaByID looks up a persona by its identifier.
func (sc *Scenario) PersonaByID(id string) *Persona {
	for i := range sc.Personas {
		if sc.Personas[i].ID == id {
			return &sc.Personas[i]
		}
	}
	return nil
}

// PersonaByName resolves a persona by display name, case-insensitively.
// Names with spaces match on their first token as well, so "@wanjohi"
// resolves a persona named "Wanjohi Kamau".
func (sc *Scenario) PersonaByName(name string) *Persona {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	for i := range sc.Personas {
		full := strings.ToLower(sc.Personas[i].Name)
		if full == name {
			return &sc.Personas[i]
		}
		if first, _, ok := strings.Cut(full, " "); ok && first == name {
			return &sc.Personas[i]
		}
	}
	return nil
}
