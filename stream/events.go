package stream

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
)

// ErrStreamFailed is the error recorded when a stream ends with an error
// event.
var ErrStreamFailed = goerr.New("stream failed")

// effects are side effects collected under the lock and run after it is
// released.
type effects struct {
	notifications []Notification
	finished      *core.Message
	transcript    []core.Message
}

// HandleEvent applies one transport event. Events that do not belong to the
// tracked session are discarded.
func (r *Reducer) HandleEvent(ctx context.Context, ev core.Event) {
	r.mu.Lock()
	if reason := r.rejectLocked(ev); reason != "" {
		r.mu.Unlock()
		logging.From(ctx).Debug("discarding transport event",
			"kind", ev.Kind(),
			"reason", reason,
			"conversation_id", ev.EventScope().ConversationID,
			"stream_id", ev.EventScope().StreamID,
		)
		return
	}

	var fx effects
	switch e := ev.(type) {
	case core.ChunkEvent:
		r.onChunkLocked(e)
	case core.FinishEvent:
		fx = r.onFinishLocked(e)
	case core.ErrorEvent:
		fx = r.onErrorLocked(e)
	case core.StatusEvent:
		fx = r.onStatusLocked(ctx, e)
	default:
		r.mu.Unlock()
		logging.From(ctx).Warn("unknown transport event", "kind", ev.Kind())
		return
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
	r.run(ctx, fx)
}

func (r *Reducer) run(ctx context.Context, fx effects) {
	for _, n := range fx.notifications {
		if r.notifier != nil {
			r.notifier.Notify(ctx, n)
		}
	}
	if fx.finished != nil && r.onFinish != nil {
		r.onFinish(ctx, *fx.finished, fx.transcript)
		r.settle()
	}
}

// settle marks a finalized stream ready once the completion hook returned.
func (r *Reducer) settle() {
	r.mu.Lock()
	if !r.finalizing {
		r.mu.Unlock()
		return
	}
	r.finalizing = false
	r.status = core.StatusReady
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.changed(snap)
}

func (r *Reducer) rejectLocked(ev core.Event) string {
	if r.session == nil {
		return "no active session"
	}
	scope := ev.EventScope()
	if scope.ConversationID != "" && scope.ConversationID != r.session.ConversationID {
		return "conversation mismatch"
	}
	if scope.StreamID != "" && scope.StreamID != r.session.StreamID {
		return "stream mismatch"
	}
	return ""
}

func (r *Reducer) onChunkLocked(e core.ChunkEvent) {
	s := r.session
	content := e.Chunk
	if e.FullMessage != "" {
		content = e.FullMessage
	}

	if s.MessageID == "" || e.IsFirst {
		id := e.MessageID
		if id == "" {
			id = core.NewMessageID()
		}
		r.placeStreamingLocked(core.Message{
			ID:             id,
			Role:           core.RoleAssistant,
			Content:        content,
			CreatedAt:      r.now(),
			ConversationID: s.ConversationID,
		}, s.MessageID)
		s.MessageID = id
	} else if idx := r.indexOf(s.MessageID); idx < 0 {
		// The tracked bubble was lost; rebuild it from what we have.
		r.messages = append(r.messages, core.Message{
			ID:             s.MessageID,
			Role:           core.RoleAssistant,
			Content:        content,
			CreatedAt:      r.now(),
			ConversationID: s.ConversationID,
		})
	} else if e.FullMessage != "" {
		r.messages[idx].Content = e.FullMessage
	} else {
		r.messages[idx].Content += e.Chunk
	}

	s.Status = core.StatusStreaming
	r.status = core.StatusStreaming
}

// placeStreamingLocked inserts msg, replacing a message with the same id or
// the stale assistant bubble staleID instead of duplicating it.
func (r *Reducer) placeStreamingLocked(msg core.Message, staleID string) {
	if idx := r.indexOf(msg.ID); idx >= 0 {
		r.messages[idx] = msg
		return
	}
	if idx := r.indexOf(staleID); idx >= 0 && r.messages[idx].Role == core.RoleAssistant {
		r.messages[idx] = msg
		return
	}
	r.messages = append(r.messages, msg)
}

func (r *Reducer) onFinishLocked(e core.FinishEvent) effects {
	s := r.session
	idx := r.indexOf(s.MessageID)

	if fm := e.FinalMessage; fm != nil {
		if idx >= 0 {
			m := &r.messages[idx]
			if fm.ID != "" {
				m.ID = fm.ID
			}
			if fm.Content != "" {
				m.Content = fm.Content
			}
			if fm.Annotations != nil {
				m.Annotations = fm.Annotations.Clone()
			}
		} else {
			m := fm.Clone()
			if m.ID == "" {
				m.ID = core.NewMessageID()
			}
			if m.Role == "" {
				m.Role = core.RoleAssistant
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = r.now()
			}
			m.ConversationID = s.ConversationID
			r.messages = append(r.messages, m)
			idx = len(r.messages) - 1
		}
	}

	return r.completeLocked(idx)
}

// completeLocked resolves the session successfully. idx is the finalized
// message position, or -1 when the stream produced no message. With a
// completion hook the status stays active until the hook returns, so
// annotations land before the message is terminal.
func (r *Reducer) completeLocked(idx int) effects {
	r.session = nil
	r.clearErrLocked()

	if idx < 0 || r.onFinish == nil {
		r.status = core.StatusReady
		return effects{}
	}
	r.finalizing = true
	final := r.messages[idx].Clone()
	return effects{finished: &final, transcript: cloneMessages(r.messages)}
}

func (r *Reducer) onErrorLocked(e core.ErrorEvent) effects {
	s := r.session
	classified := ClassifyMessage(e.Message)

	r.interruptLocked(s, core.InterruptionError, classified)
	r.session = nil
	r.status = core.StatusError
	r.err = goerr.Wrap(ErrStreamFailed, e.Message,
		goerr.V("conversation_id", s.ConversationID),
		goerr.V("stream_id", s.StreamID),
		goerr.V("details", e.Details),
	)
	r.errMessage = classified

	return effects{notifications: []Notification{{
		Level:          LevelError,
		Message:        classified,
		ConversationID: s.ConversationID,
	}}}
}

func (r *Reducer) onStatusLocked(ctx context.Context, e core.StatusEvent) effects {
	s := r.session

	switch e.Status {
	case core.StreamInitiated:
		s.Status = core.StatusSubmitted
		r.status = core.StatusSubmitted

	case core.StreamStreaming:
		s.Status = core.StatusStreaming
		r.status = core.StatusStreaming

	case core.StreamCompleted:
		// A completed status that overtakes the finish event still
		// finalizes the message; the late finish is then a no-op.
		return r.completeLocked(r.indexOf(s.MessageID))

	case core.StreamCancelled:
		r.interruptLocked(s, core.InterruptionCancelled, "")
		r.session = nil
		r.status = core.StatusReady
		r.clearErrLocked()

	default:
		logging.From(ctx).Warn("unknown stream status", "status", e.Status)
	}
	return effects{}
}
