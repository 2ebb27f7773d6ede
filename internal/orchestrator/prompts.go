package orchestrator

import (
	"fmt"
	"strings"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/llm"
)

// personaSystem builds the system prompt for one persona's reply.
func personaSystem(sc *domain.Scenario, scene *domain.Scene, p *domain.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s, in a business-case simulation titled %q.\n", p.Name, p.Role, sc.Title)
	if p.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n", p.Background)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Personality: %s\n", strings.Join(p.Traits, ", "))
	}
	fmt.Fprintf(&b, "\nCurrent scene: %s\n%s\n", scene.Title, scene.Description)
	fmt.Fprintf(&b, "\nStay in character. Respond with a single reply from %s only, without your name as a prefix.", p.Name)
	return b.String()
}

// personaMessages maps the scene transcript plus the incoming user message
// into chat messages from the persona's point of view: the persona's own
// lines become assistant turns, everything else becomes user turns with
// attribution.
func personaMessages(sc *domain.Scenario, transcript []domain.ConversationMessage, userText string, p *domain.Persona) []llm.Message {
	msgs := make([]llm.Message, 0, len(transcript)+1)
	for _, m := range transcript {
		if m.Hint {
			continue
		}
		switch {
		case m.Sender == domain.SenderPersona && m.PersonaID == p.ID:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		case m.Sender == domain.SenderUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content})
		case m.Sender == domain.SenderPersona:
			name := m.PersonaID
			if other := sc.PersonaByID(m.PersonaID); other != nil {
				name = other.Name
			}
			msgs = append(msgs, llm.Message{Role: "user", Content: fmt.Sprintf("[%s said] %s", name, m.Content)})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})
	return msgs
}

// renderTranscript flattens a transcript for evaluation and hint prompts.
func renderTranscript(sc *domain.Scenario, transcript []domain.ConversationMessage) string {
	var b strings.Builder
	for _, m := range transcript {
		switch m.Sender {
		case domain.SenderUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case domain.SenderPersona:
			name := m.PersonaID
			if p := sc.PersonaByID(m.PersonaID); p != nil {
				name = p.Name
			}
			fmt.Fprintf(&b, "%s: %s\n", name, m.Content)
		case domain.SenderSystem:
			if m.Hint {
				fmt.Fprintf(&b, "(hint shown to user: %s)\n", m.Content)
			}
		}
	}
	return b.String()
}

func evaluatorSystem() string {
	return "You are an impartial assessor for a business-case simulation. " +
		"Judge whether the learner has achieved the scene objective based on the transcript. " +
		`Respond with only a JSON object: {"confidence": <number between 0 and 1>, "reasoning": "<one sentence>"}.`
}

func evaluatorPrompt(sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene objective: %s\n\n", scene.UserGoal)
	if len(scene.GoalCriteria) > 0 {
		b.WriteString("Completion signals:\n")
		for _, c := range scene.GoalCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(renderTranscript(sc, transcript))
	return b.String()
}

func hintSystem() string {
	return "You are a coach in a business-case simulation. The learner is running out of turns. " +
		"Give one short, concrete hint that nudges them toward the scene objective without revealing the answer outright."
}

func hintPrompt(sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene objective: %s\n\nTranscript so far:\n", scene.UserGoal)
	b.WriteString(renderTranscript(sc, transcript))
	return b.String()
}

func summarySystem() string {
	return "You are a facilitator closing out a scene in a business-case simulation. The learner used all " +
		"their turns without fully achieving the objective. Write a brief, encouraging summary of what was " +
		"covered and what was missed, then hand off to the next part of the case."
}

func summaryPrompt(sc *domain.Scenario, scene *domain.Scene, transcript []domain.ConversationMessage) string {
	return evaluatorPrompt(sc, scene, transcript)
}

// sceneIntro renders the introduction emitted when a scene starts: the scene
// description, the persona cast, and the goal.
func sceneIntro(sc *domain.Scenario, scene *domain.Scene) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene %d: %s\n\n%s\n", scene.Order, scene.Title, scene.Description)

	var cast []string
	for _, sp := range scene.Personas {
		p := sc.PersonaByID(sp.PersonaID)
		if p == nil {
			continue
		}
		switch sp.Involvement {
		case domain.InvolvementKey, domain.InvolvementParticipant:
			cast = append(cast, fmt.Sprintf("%s (%s)", p.Name, p.Role))
		}
	}
	if len(cast) > 0 {
		fmt.Fprintf(&b, "\nIn this scene: %s\n", strings.Join(cast, ", "))
	}
	fmt.Fprintf(&b, "\nYour goal: %s\n", scene.UserGoal)
	fmt.Fprintf(&b, "\nYou have %d turns. Type help at any time.", scene.MaxAttempts)
	return b.String()
}

// helpText renders the help response: available commands plus current
// progress. Producing it never touches session state.
func helpText(sc *domain.Scenario, scene *domain.Scene, sess *domain.SessionState) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("  begin        start the current scene\n")
	b.WriteString("  help         show this message\n")
	b.WriteString("  @name ...    address a specific persona\n\n")

	fmt.Fprintf(&b, "Scenario: %s\n", sc.Title)
	if scene != nil {
		fmt.Fprintf(&b, "Current scene: %s (%d of %d)\n", scene.Title, scene.Order, len(sc.Scenes))
		if sess.Status == domain.StatusAwaitingBegin {
			b.WriteString("The scene has not started yet. Type begin when you are ready.")
		} else {
			fmt.Fprintf(&b, "Turns used: %d of %d\n", sess.TurnsInScene, scene.MaxAttempts)
			fmt.Fprintf(&b, "Goal: %s", scene.UserGoal)
		}
	}
	return b.String()
}
