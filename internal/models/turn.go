package models

import "time"

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in a conversation. Turns are passed by value and never modified.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn stamps a turn with the current time.
func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, CreatedAt: time.Now().UTC()}
}
