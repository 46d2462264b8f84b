package stream

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
)

// RequestOptions are per-request settings. Empty fields fall back to the
// reducer's current conversation and space.
type RequestOptions struct {
	ConversationID string
	SpaceID        string
	Provider       string
	Model          string
	SearchMode     string
}

const noConversationNotice = "Select or create a conversation before sending a message."

// Append adds msg to the transcript and requests a reply.
func (r *Reducer) Append(ctx context.Context, msg core.Message, opts RequestOptions) error {
	r.mu.Lock()
	conversationID, spaceID := r.resolveLocked(opts)
	if conversationID == "" {
		return r.failResolution(ctx)
	}
	if r.status.Active() {
		r.mu.Unlock()
		return goerr.Wrap(ErrStreamActive, "cannot append message", goerr.V("conversation_id", conversationID))
	}

	if msg.ID == "" {
		msg.ID = core.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	if msg.Role == "" {
		msg.Role = core.RoleUser
	}
	msg.ConversationID = conversationID
	r.messages = append(r.messages, msg.Clone())

	payload := r.beginLocked(conversationID, spaceID, opts)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
	return r.submit(ctx, payload)
}

// Reload drops a trailing assistant reply and requests a new one for the
// remaining transcript. It is a no-op on an empty transcript.
func (r *Reducer) Reload(ctx context.Context, opts RequestOptions) error {
	r.mu.Lock()
	if len(r.messages) == 0 {
		r.mu.Unlock()
		return nil
	}
	conversationID, spaceID := r.resolveLocked(opts)
	if conversationID == "" {
		return r.failResolution(ctx)
	}
	if r.status.Active() {
		r.mu.Unlock()
		return goerr.Wrap(ErrStreamActive, "cannot reload", goerr.V("conversation_id", conversationID))
	}

	if last := r.messages[len(r.messages)-1]; last.Role == core.RoleAssistant {
		r.messages = r.messages[:len(r.messages)-1]
	}
	if len(r.messages) == 0 {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.changed(snap)
		return nil
	}

	payload := r.beginLocked(conversationID, spaceID, opts)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
	return r.submit(ctx, payload)
}

// Stop cancels the in-flight request. Local status resolves to ready
// immediately whether or not the backend acknowledges the cancellation; a
// failed acknowledgment is reported as a warning.
func (r *Reducer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.status.Active() || r.finalizing {
		r.mu.Unlock()
		return nil
	}

	conversationID := r.conversationID
	if s := r.session; s != nil {
		conversationID = s.ConversationID
		r.interruptLocked(s, core.InterruptionCancelled, "")
	}
	r.session = nil
	r.status = core.StatusReady
	r.clearErrLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)

	cancelCtx, cancel := context.WithTimeout(ctx, r.cancelTimeout)
	defer cancel()
	if err := r.transport.Cancel(cancelCtx, conversationID); err != nil {
		logging.From(ctx).Warn("cancellation was not acknowledged",
			"conversation_id", conversationID,
			logging.ErrAttr(err),
		)
		r.notify(ctx, LevelWarning, "Stopped locally, but the assistant service did not confirm: "+ClassifyError(err), conversationID)
	}
	return nil
}

// HandleInputChange replaces the pending input text.
func (r *Reducer) HandleInputChange(text string) {
	r.mu.Lock()
	r.input = text
	r.mu.Unlock()
}

// HandleSubmit appends the pending input as a user message. Empty input is
// ignored. The input is restored when the request cannot be issued.
func (r *Reducer) HandleSubmit(ctx context.Context, opts RequestOptions) error {
	r.mu.Lock()
	text := strings.TrimSpace(r.input)
	if text == "" {
		r.mu.Unlock()
		return nil
	}
	original := r.input
	r.input = ""
	r.mu.Unlock()

	err := r.Append(ctx, core.Message{Role: core.RoleUser, Content: text}, opts)
	if err != nil {
		r.mu.Lock()
		if r.input == "" {
			r.input = original
		}
		r.mu.Unlock()
	}
	return err
}

// resolveLocked picks the conversation for a request and makes it the
// view's current conversation.
func (r *Reducer) resolveLocked(opts RequestOptions) (string, string) {
	conversationID := opts.ConversationID
	if conversationID == "" && r.session != nil {
		conversationID = r.session.ConversationID
	}
	if conversationID == "" {
		conversationID = r.conversationID
	}

	spaceID := opts.SpaceID
	if spaceID == "" {
		spaceID = r.spaceID
	}

	if conversationID != "" {
		r.conversationID = conversationID
		r.spaceID = spaceID
	}
	return conversationID, spaceID
}

// failResolution must be called with r.mu held; it releases the lock.
func (r *Reducer) failResolution(ctx context.Context) error {
	r.status = core.StatusError
	r.err = ErrNoConversation
	r.errMessage = noConversationNotice
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
	r.notify(ctx, LevelError, noConversationNotice, "")
	return goerr.Wrap(ErrNoConversation, "cannot issue request")
}

func (r *Reducer) beginLocked(conversationID, spaceID string, opts RequestOptions) core.SubmitPayload {
	r.session = &core.StreamSession{
		StreamID:       core.NewStreamID(),
		ConversationID: conversationID,
		SpaceID:        spaceID,
		Status:         core.StatusSubmitted,
		StartedAt:      r.now(),
	}
	r.status = core.StatusSubmitted
	r.clearErrLocked()

	return core.SubmitPayload{
		StreamID:       r.session.StreamID,
		ConversationID: conversationID,
		SpaceID:        spaceID,
		Messages:       cloneMessages(r.messages),
		Provider:       opts.Provider,
		Model:          opts.Model,
		SearchMode:     opts.SearchMode,
	}
}

func (r *Reducer) submit(ctx context.Context, payload core.SubmitPayload) error {
	err := r.transport.Submit(ctx, payload)
	if err == nil {
		return nil
	}

	classified := ClassifyError(err)
	wrapped := goerr.Wrap(errors.Join(ErrSubmitFailed, err), classified,
		goerr.V("conversation_id", payload.ConversationID),
		goerr.V("stream_id", payload.StreamID),
	)

	r.mu.Lock()
	if r.session != nil && r.session.StreamID == payload.StreamID {
		r.session = nil
		r.status = core.StatusError
		r.err = wrapped
		r.errMessage = classified
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	logging.From(ctx).Error("submit failed",
		"conversation_id", payload.ConversationID,
		"stream_id", payload.StreamID,
		logging.ErrAttr(err),
	)
	r.changed(snap)
	r.notify(ctx, LevelError, classified, payload.ConversationID)
	return wrapped
}

func (r *Reducer) clearErrLocked() {
	r.err = nil
	r.errMessage = ""
}
