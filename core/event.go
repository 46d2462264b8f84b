package core

// EventKind names one of the four transport event kinds.
type EventKind string

const (
	EventChunk  EventKind = "chunk"
	EventFinish EventKind = "finish"
	EventError  EventKind = "error"
	EventStatus EventKind = "status"
)

// Scope correlates an event with a conversation and stream. Empty fields
// are treated as "unspecified" by consumers.
type Scope struct {
	ConversationID string `json:"conversationId,omitempty"`
	StreamID       string `json:"streamId,omitempty"`
}

// EventScope returns the scope itself so that every event embedding Scope
// satisfies part of the Event interface.
func (s Scope) EventScope() Scope { return s }

// Event is delivered by a transport adapter to the reducer.
type Event interface {
	Kind() EventKind
	EventScope() Scope
}

// ChunkEvent carries one increment of assistant text.
type ChunkEvent struct {
	Scope
	Chunk string `json:"chunk"`
	// MessageID is the server-side id of the message being streamed.
	MessageID string `json:"messageId,omitempty"`
	// FullMessage, when set, is the complete content accumulated so far and
	// supersedes local accumulation.
	FullMessage string `json:"fullMessage,omitempty"`
	IsFirst     bool   `json:"isFirstChunk,omitempty"`
}

func (ChunkEvent) Kind() EventKind { return EventChunk }

// FinishEvent ends a stream successfully.
type FinishEvent struct {
	Scope
	FinalMessage *Message `json:"finalMessage,omitempty"`
}

func (FinishEvent) Kind() EventKind { return EventFinish }

// ErrorEvent ends a stream with a failure.
type ErrorEvent struct {
	Scope
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (ErrorEvent) Kind() EventKind { return EventError }

// StreamStatus is the backend-reported lifecycle of a stream.
type StreamStatus string

const (
	StreamInitiated StreamStatus = "initiated"
	StreamStreaming StreamStatus = "streaming"
	StreamCompleted StreamStatus = "completed"
	StreamCancelled StreamStatus = "cancelled"
)

// StatusEvent reports a backend lifecycle transition.
type StatusEvent struct {
	Scope
	Status StreamStatus `json:"status"`
}

func (StatusEvent) Kind() EventKind { return EventStatus }

// SubmitPayload is the request handed to a transport adapter.
type SubmitPayload struct {
	StreamID       string    `json:"streamId"`
	ConversationID string    `json:"conversationId"`
	SpaceID        string    `json:"spaceId,omitempty"`
	Messages       []Message `json:"messages"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	SearchMode     string    `json:"searchMode,omitempty"`
}
