package stream

import (
	"unicode/utf8"

	"github.com/becomeliminal/nim-chat/core"
)

// SubstantialContentLength is the rune count above which an interrupted
// reply is kept instead of being replaced by a placeholder.
const SubstantialContentLength = 50

const (
	ErrorMarker      = " [error occurred]"
	StoppedMarker    = " [stopped by user]"
	CancelledMessage = "Response generation was cancelled."
	apologyPrefix    = "Sorry, I couldn't finish that response. "
)

// interruptLocked applies the content policy for a stream that ended early.
// Substantial partial content keeps its id and gains a marker; anything
// shorter, or a missing bubble, is replaced by a fresh placeholder so the
// transcript never shows an empty reply.
func (r *Reducer) interruptLocked(s *core.StreamSession, kind core.Interruption, reason string) {
	idx := r.indexOf(s.MessageID)

	if idx >= 0 && utf8.RuneCountInString(r.messages[idx].Content) > SubstantialContentLength {
		m := &r.messages[idx]
		if kind == core.InterruptionError {
			m.Content += ErrorMarker
		} else {
			m.Content += StoppedMarker
		}
		if m.Annotations == nil {
			m.Annotations = &core.Annotations{}
		}
		m.Annotations.Interrupted = kind
		return
	}

	placeholder := core.Message{
		ID:             core.NewMessageID(),
		Role:           core.RoleAssistant,
		Content:        CancelledMessage,
		CreatedAt:      r.now(),
		ConversationID: s.ConversationID,
		Annotations:    &core.Annotations{Interrupted: kind},
	}
	if kind == core.InterruptionError {
		placeholder.Role = core.RoleSystem
		placeholder.Content = apologyPrefix + reason
	}

	if idx >= 0 {
		r.messages[idx] = placeholder
	} else {
		r.messages = append(r.messages, placeholder)
	}
}
