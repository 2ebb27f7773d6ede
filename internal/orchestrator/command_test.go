package orchestrator

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		kind    CommandKind
		mention string
	}{
		{"begin lowercase", "begin", CommandBegin, ""},
		{"begin uppercase", "BEGIN", CommandBegin, ""},
		{"begin mixed case with whitespace", "  Begin  ", CommandBegin, ""},
		{"help", "help", CommandHelp, ""},
		{"help uppercase", "HELP", CommandHelp, ""},
		{"begin inside a sentence is conversational", "let's begin the meeting", CommandNone, ""},
		{"help inside a sentence is conversational", "I need help with the numbers", CommandNone, ""},
		{"mention", "@Wanjohi what is the budget?", CommandMention, "wanjohi"},
		{"mention lowercased", "@AMARA hello", CommandMention, "amara"},
		{"mention with no text", "@amara", CommandMention, "amara"},
		{"bare at sign", "@", CommandNone, ""},
		{"at sign mid-message", "email me @ noon", CommandNone, ""},
		{"plain message", "what do you think about the margins?", CommandNone, ""},
		{"empty message", "", CommandNone, ""},
		{"whitespace only", "   ", CommandNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := ParseCommand(tt.input)
			if cmd.Kind != tt.kind {
				t.Errorf("Expected kind %d, got %d", tt.kind, cmd.Kind)
			}
			if cmd.Mention != tt.mention {
				t.Errorf("Expected mention %q, got %q", tt.mention, cmd.Mention)
			}
		})
	}
}
