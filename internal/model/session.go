package model

// AuthorRole is the role id used for messages written by the human author.
const AuthorRole = "author"

// StorySession groups the messages and memory fragments of one writing session.
// CreatedAt and UpdatedAt are Unix milliseconds; UpdatedAt never decreases.
type StorySession struct {
	ID        string `json:"id"`
	StoryID   string `json:"story_id"`
	Title     string `json:"title"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Seq       int64  `json:"seq,omitempty"`
}

// MessageStatus tracks the generation state of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSuccess MessageStatus = "success"
	StatusError   MessageStatus = "error"
)

// ValidStatuses are the allowed message statuses.
var ValidStatuses = map[MessageStatus]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusError:   true,
}

// Terminal reports whether generation has finished, successfully or not.
func (s MessageStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Message is one entry in a session thread. Messages sharing ParentID and Role
// form a lineage whose Version numbers strictly increase.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Status    MessageStatus `json:"status"`
	ParentID  string        `json:"parent_id,omitempty"`
	Version   int           `json:"version"`
	Error     string        `json:"error,omitempty"`
	Seq       int64         `json:"seq,omitempty"`
}

// IsAuthor reports whether the message was written by the human author.
func (m *Message) IsAuthor() bool {
	return m.Role == AuthorRole
}
