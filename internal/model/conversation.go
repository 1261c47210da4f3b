package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted conversation turn.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	RequestID string     `json:"request_id,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	FollowUps []string   `json:"follow_ups,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Conversation is an ordered list of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Preferences are the user's assistant settings.
type Preferences struct {
	MemoryEnabled bool   `json:"memory_enabled"`
	Tone          string `json:"tone"`
	Translation   string `json:"translation"`
	DailyLimit    int    `json:"daily_limit"`
}

// DefaultPreferences returns the settings used before the user changes anything.
func DefaultPreferences() Preferences {
	return Preferences{
		MemoryEnabled: true,
		Tone:          "warm",
		Translation:   "KJV",
	}
}

// NewID returns a new sortable unique identifier.
func NewID() string {
	return ulid.Make().String()
}
