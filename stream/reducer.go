// Package stream implements the reducer that owns a conversation view's
// transcript. It turns the asynchronous chunk/finish/error/status feed of a
// transport adapter into one consistent, cancellable, appendable list of
// messages and a lifecycle status.
//
// A Reducer tracks at most one StreamSession at a time. Events whose
// conversation or stream does not match the tracked session are discarded
// rather than interleaved into the transcript.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/becomeliminal/nim-chat/core"
)

// Transport sends requests to the model backend. Events produced by a
// request are delivered to the reducer's HandleEvent.
type Transport interface {
	Submit(ctx context.Context, payload core.SubmitPayload) error
	Cancel(ctx context.Context, conversationID string) error
}

// EventHandler consumes transport events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev core.Event)
}

// FinishFunc is invoked once per finalized assistant message, outside the
// reducer lock. transcript is a snapshot taken at finish time.
type FinishFunc func(ctx context.Context, msg core.Message, transcript []core.Message)

// Snapshot is an immutable view of reducer state.
type Snapshot struct {
	ConversationID string              `json:"conversationId"`
	Status         core.Status         `json:"status"`
	Messages       []core.Message      `json:"messages"`
	Error          string              `json:"error,omitempty"`
	Session        *core.StreamSession `json:"session,omitempty"`
}

// Reducer owns the transcript of one conversation view.
type Reducer struct {
	transport Transport
	notifier  Notifier
	onFinish  FinishFunc
	onChange  func(Snapshot)
	now       func() time.Time

	cancelTimeout time.Duration

	mu             sync.Mutex
	conversationID string
	spaceID        string
	messages       []core.Message
	status         core.Status
	err            error
	errMessage     string
	input          string
	session        *core.StreamSession

	// finalizing is set while the completion hook runs.
	finalizing bool
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithConversation sets the conversation and space the view starts on.
func WithConversation(conversationID, spaceID string) Option {
	return func(r *Reducer) {
		r.conversationID = conversationID
		r.spaceID = spaceID
	}
}

// WithHistory seeds the transcript with already persisted messages.
func WithHistory(messages []core.Message) Option {
	return func(r *Reducer) {
		r.messages = cloneMessages(messages)
	}
}

// WithNotifier sets the user notification sink.
func WithNotifier(n Notifier) Option {
	return func(r *Reducer) {
		r.notifier = n
	}
}

// WithOnFinish sets the completion callback.
func WithOnFinish(f FinishFunc) Option {
	return func(r *Reducer) {
		r.onFinish = f
	}
}

// WithOnChange sets a callback receiving a snapshot after every state change.
func WithOnChange(f func(Snapshot)) Option {
	return func(r *Reducer) {
		r.onChange = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) {
		r.now = now
	}
}

// WithCancelTimeout bounds how long Stop waits for the transport to confirm
// a cancellation (default 10s).
func WithCancelTimeout(d time.Duration) Option {
	return func(r *Reducer) {
		r.cancelTimeout = d
	}
}

// New creates a reducer sending requests through transport.
func New(transport Transport, opts ...Option) *Reducer {
	r := &Reducer{
		transport: transport,
		notifier:  LogNotifier{},
		now:       time.Now,
		status:    core.StatusReady,

		cancelTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Messages returns a copy of the transcript.
func (r *Reducer) Messages() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMessages(r.messages)
}

// Status returns the lifecycle status.
func (r *Reducer) Status() core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the error that put the reducer into StatusError, if any.
// Snapshot.Error carries its user-facing classification.
func (r *Reducer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Input returns the pending input text.
func (r *Reducer) Input() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input
}

// ConversationID returns the conversation the view is on.
func (r *Reducer) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// SpaceID returns the space the view is on.
func (r *Reducer) SpaceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spaceID
}

// Session returns a copy of the tracked session, or nil.
func (r *Reducer) Session() *core.StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySession(r.session)
}

// Snapshot returns the full reducer state.
func (r *Reducer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Annotate replaces the annotations of message id. It reports whether the
// message was found.
func (r *Reducer) Annotate(id string, annotations *core.Annotations) bool {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.messages[idx].Annotations = annotations.Clone()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
	return true
}

func (r *Reducer) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: r.conversationID,
		Status:         r.status,
		Messages:       cloneMessages(r.messages),
		Session:        copySession(r.session),
	}
	if r.err != nil {
		snap.Error = r.errMessage
	}
	return snap
}

func (r *Reducer) changed(snap Snapshot) {
	if r.onChange != nil {
		r.onChange(snap)
	}
}

func (r *Reducer) notify(ctx context.Context, level Level, msg, conversationID string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, Notification{Level: level, Message: msg, ConversationID: conversationID})
}

func (r *Reducer) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m core.Message) bool { return m.ID == id })
}

func cloneMessages(src []core.Message) []core.Message {
	out := make([]core.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	return out
}

func copySession(s *core.StreamSession) *core.StreamSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
