package orchestrator

import "strings"

// CommandKind classifies a parsed user message.
type CommandKind int

const (
	// CommandNone means the message is an ordinary conversational turn.
	CommandNone CommandKind = iota
	// CommandBegin starts the current scene.
	CommandBegin
	// CommandHelp asks for available commands and progress.
	CommandHelp
	// CommandMention directs the message at a named persona.
	CommandMention
)

// Command is the result of parsing a user message. Reserved words are
// recognized case-insensitively and only when they are the entire message;
// an @name prefix marks a mention and leaves the message itself intact.
type Command struct {
	Kind CommandKind
	// Mention is the lowercased persona name following @, set only for
	// CommandMention.
	Mention string
}

// ParseCommand classifies the message. Command recognition happens here,
// before any external call, so command semantics never depend on model
// behavior.
func ParseCommand(text string) Command {
	trimmed := strings.TrimSpace(text)

	switch strings.ToLower(trimmed) {
	case "begin":
		return Command{Kind: CommandBegin}
	case "help":
		return Command{Kind: CommandHelp}
	}

	if strings.HasPrefix(trimmed, "@") {
		name, _, _ := strings.Cut(trimmed[1:], " ")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			return Command{Kind: CommandMention, Mention: name}
		}
	}

	return Command{Kind: CommandNone}
}
