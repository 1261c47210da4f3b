// Package model defines the core data types shared by the assistant components.
package model

import "time"

// MemoryType classifies a long-lived user fact.
type MemoryType string

const (
	MemoryFact          MemoryType = "fact"
	MemoryPreference    MemoryType = "preference"
	MemoryPrayerRequest MemoryType = "prayer_request"
	MemoryLifeEvent     MemoryType = "life_event"
	MemoryInsight       MemoryType = "insight"
)

// ValidMemoryTypes are the allowed memory types.
var ValidMemoryTypes = map[MemoryType]bool{
	MemoryFact:          true,
	MemoryPreference:    true,
	MemoryPrayerRequest: true,
	MemoryLifeEvent:     true,
	MemoryInsight:       true,
}

// ValidMemoryType reports whether t is one of ValidMemoryTypes.
func ValidMemoryType(t MemoryType) bool { return ValidMemoryTypes[t] }

// Memory represents a stored long-term fact about the user.
type Memory struct {
	ID                   string     `json:"id"`
	Type                 MemoryType `json:"type"`
	Content              string     `json:"content"`
	SourceMessageID      string     `json:"source_message_id,omitempty"`
	SourceConversationID string     `json:"source_conversation_id,omitempty"`
	RelatedVerses        []string   `json:"related_verses,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`
	Embedding            []float32  `json:"embedding,omitempty"`
	IsActive             bool       `json:"is_active"`
	AccessCount          int        `json:"access_count"`
	LastAccessed         time.Time  `json:"last_accessed"`
	CreatedAt            time.Time  `json:"created_at"`
	ImportanceScore      float64    `json:"importance_score"`
}

// Clone returns a deep copy so callers cannot mutate store-owned slices.
func (m Memory) Clone() Memory {
	out := m
	out.RelatedVerses = append([]string(nil), m.RelatedVerses...)
	out.Tags = append([]string(nil), m.Tags...)
	out.Embedding = append([]float32(nil), m.Embedding...)
	return out
}

// CachedResponse is a question/answer pair kept for offline use.
type CachedResponse struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	QuestionEmbedding []float32 `json:"question_embedding,omitempty"`
	Answer            string    `json:"answer"`
	DateCreated       time.Time `json:"date_created"`
	DateLastAccessed  time.Time `json:"date_last_accessed"`
	AccessCount       int       `json:"access_count"`
}
