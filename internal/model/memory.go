// Package model defines the core story memory data types.
package model

import "fmt"

// Kind classifies fragments and sessions.
type Kind string

const (
	KindStory    Kind = "story"
	KindDialogue Kind = "dialogue"
	KindPlot     Kind = "plot"
)

// ValidKinds are the allowed fragment and session kinds.
var ValidKinds = map[Kind]bool{
	KindStory:    true,
	KindDialogue: true,
	KindPlot:     true,
}

// ParseKind validates a kind string. The empty string is not a kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !ValidKinds[k] {
		return "", fmt.Errorf("invalid kind %q (valid: story, dialogue, plot)", s)
	}
	return k, nil
}

// MemoryFragment is an independently retrievable unit of prior narrative context.
// Timestamp is in Unix milliseconds.
type MemoryFragment struct {
	ReferenceID     string    `json:"reference_id"`
	SessionID       string    `json:"session_id"`
	Text            string    `json:"text"`
	Kind            Kind      `json:"kind"`
	Timestamp       int64     `json:"timestamp"`
	RoleID          string    `json:"role_id,omitempty"`
	Embedding       []float32 `json:"embedding,omitempty"`
	Pinned          bool      `json:"pinned,omitempty"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	Seq             int64     `json:"seq,omitempty"`

	// Score is computed at query time and never persisted.
	Score float64 `json:"score,omitempty"`
}

// HasEmbedding reports whether the fragment can take part in similarity ranking.
func (f *MemoryFragment) HasEmbedding() bool {
	return len(f.Embedding) > 0
}
