package core

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// Message is one turn of a conversation transcript.
//
// Content grows append-only while the message is streaming and is never
// modified after the reducer has finalized it.
type Message struct {
	ID             string       `json:"id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	ConversationID string       `json:"conversationId"`
	Annotations    *Annotations `json:"annotations,omitempty"`
}

// NewMessageID returns a time-ordered message identifier.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Annotations = m.Annotations.Clone()
	return m
}

// Interruption records why a reply stopped before the model finished it.
type Interruption string

const (
	InterruptionNone      Interruption = ""
	InterruptionError     Interruption = "error"
	InterruptionCancelled Interruption = "cancelled"
)

// Annotations is the closed set of metadata a message may carry. Every kind
// of annotation has its own field so nothing is silently dropped or
// mis-typed on its way to the vector index.
type Annotations struct {
	SimilarMessages []SimilarMessage `json:"similarMessages,omitempty"`
	Model           string           `json:"model,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	SearchMode      string           `json:"searchMode,omitempty"`
	Interrupted     Interruption     `json:"interrupted,omitempty"`
}

// Clone returns a deep copy. A nil receiver yields nil.
func (a *Annotations) Clone() *Annotations {
	if a == nil {
		return nil
	}
	c := *a
	c.SimilarMessages = slices.Clone(a.SimilarMessages)
	return &c
}

// SimilarMessage is a read-only projection of a similarity search hit. It is
// embedded in annotations and never stored on its own.
type SimilarMessage struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
	Score          float32   `json:"score"`
	ConversationID string    `json:"conversationId"`
}
