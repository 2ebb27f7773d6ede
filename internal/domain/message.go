package domain

import "time"

// SenderKind distinguishes who authored a conversation message.
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderPersona SenderKind = "persona"
	SenderSystem  SenderKind = "system"
)

// ConversationMessage is one append-only log entry. Seq is strictly
// increasing per session with no gaps; entries are written once and never
// edited or reordered.
type ConversationMessage struct {
	Seq       int64      `json:"seq"`
	SceneID   string     `json:"scene_id"`
	Sender    SenderKind `json:"sender"`
	PersonaID string     `json:"persona_id,omitempty"`
	Content   string     `json:"content"`
	Attempt   int        `json:"attempt"`
	Hint      bool       `json:"hint,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
