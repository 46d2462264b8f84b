package core

import "time"

// Status is the lifecycle status of a reducer.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// Active reports whether a request is in flight.
func (s Status) Active() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// StreamSession describes the single in-flight request a reducer tracks.
// It is created on submit and discarded on finish, error or cancel; a
// reducer holding a nil *StreamSession has no active stream.
type StreamSession struct {
	StreamID       string    `json:"streamId"`
	ConversationID string    `json:"conversationId"`
	SpaceID        string    `json:"spaceId,omitempty"`
	// MessageID is the assistant message receiving chunks, empty until the
	// first chunk arrives.
	MessageID string    `json:"messageId,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// NewStreamID returns a fresh stream identifier.
func NewStreamID() string {
	return NewMessageID()
}
