// Package annotate enriches finalized assistant replies with similar past
// messages and records every exchange in vector memory.
package annotate

import (
	"context"
	"errors"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultLimit is the number of similar messages attached to a reply.
const DefaultLimit = 5

// Search modes recognised in core.Annotations.SearchMode.
const (
	SearchConversation = "conversation"
	SearchSpace        = "space"
)

// Memory is the vector memory the bridge reads and writes.
type Memory interface {
	Search(ctx context.Context, query string, limit int, tags []string) ([]memory.SearchResult, error)
	Get(ctx context.Context, id string) (*memory.Record, error)
	Upsert(ctx context.Context, in memory.UpsertInput) (*memory.Record, error)
	DeleteByConversation(ctx context.Context, conversationID string) (int, error)
	DeleteBySpace(ctx context.Context, spaceID string) (int, error)
}

// Annotator writes annotations back into a live transcript.
type Annotator interface {
	Annotate(id string, annotations *core.Annotations) bool
}

// Persister stores messages in the relational store.
type Persister interface {
	SaveMessage(ctx context.Context, msg core.Message, spaceID string) error
}

// Purger soft-deletes conversations and spaces in the relational store.
type Purger interface {
	MarkConversationDeleted(ctx context.Context, conversationID string) error
	MarkSpaceDeleted(ctx context.Context, spaceID string) error
}

// Bridge connects the stream reducer's completion callback to memory.
type Bridge struct {
	memory    Memory
	annotator Annotator
	persister Persister
	purger    Purger
	limit     int
	spaceOf   func(conversationID string) string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAnnotator sets where similar messages are written back.
func WithAnnotator(a Annotator) Option {
	return func(b *Bridge) { b.annotator = a }
}

// WithPersister sets the relational message store.
func WithPersister(p Persister) Option {
	return func(b *Bridge) { b.persister = p }
}

// WithPurger sets the relational soft-delete target.
func WithPurger(p Purger) Option {
	return func(b *Bridge) { b.purger = p }
}

// WithLimit sets how many similar messages are attached.
func WithLimit(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.limit = n
		}
	}
}

// WithSpaceResolver maps a conversation to its space.
func WithSpaceResolver(f func(conversationID string) string) Option {
	return func(b *Bridge) { b.spaceOf = f }
}

// New creates a Bridge over mem.
func New(mem Memory, opts ...Option) *Bridge {
	b := &Bridge{
		memory:  mem,
		limit:   DefaultLimit,
		spaceOf: func(string) string { return "" },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnFinish handles a finalized message. It has the stream.FinishFunc
// signature. Every step is best effort: failures are logged and the
// message stays final, possibly without annotations.
func (b *Bridge) OnFinish(ctx context.Context, msg core.Message, transcript []core.Message) {
	if msg.Role != core.RoleAssistant {
		return
	}
	logger := logging.From(ctx).With("component", "annotate", "message_id", msg.ID)

	spaceID := b.spaceOf(msg.ConversationID)
	prompt, hasPrompt := precedingUser(transcript, msg.ID)

	query := msg.Content
	if hasPrompt {
		query = prompt.Content
	}

	similar, err := b.similar(ctx, query, msg, prompt.ID, spaceID)
	if err != nil {
		logger.Warn("similar message search failed", logging.ErrAttr(err))
	} else if len(similar) > 0 {
		ann := msg.Annotations.Clone()
		if ann == nil {
			ann = &core.Annotations{}
		}
		ann.SimilarMessages = similar
		msg.Annotations = ann
		if b.annotator != nil && !b.annotator.Annotate(msg.ID, ann) {
			logger.Debug("message left the transcript before annotation")
		}
	}

	if b.persister != nil {
		if hasPrompt {
			if err := b.persister.SaveMessage(ctx, prompt, spaceID); err != nil {
				logger.Warn("failed to persist user message", "prompt_id", prompt.ID, logging.ErrAttr(err))
			}
		}
		if err := b.persister.SaveMessage(ctx, msg, spaceID); err != nil {
			logger.Warn("failed to persist assistant message", logging.ErrAttr(err))
		}
	}

	in := memory.UpsertInput{Message: msg, SpaceID: spaceID}
	if hasPrompt {
		if err := b.ensureEmbedded(ctx, prompt, spaceID); err != nil {
			logger.Warn("failed to embed user message", "prompt_id", prompt.ID, logging.ErrAttr(err))
		} else {
			in.ParentID = prompt.ID
		}
	}
	if _, err := b.memory.Upsert(ctx, in); err != nil {
		logger.Warn("failed to embed assistant message", logging.ErrAttr(err))
		return
	}
	logger.Debug("exchange recorded", "similar", len(similar), "parent_id", in.ParentID)
}

func (b *Bridge) similar(ctx context.Context, query string, msg core.Message, promptID, spaceID string) ([]core.SimilarMessage, error) {
	tags := scopeTags(msg, spaceID)
	// Overfetch so dropping the exchange's own messages still leaves limit hits.
	results, err := b.memory.Search(ctx, query, b.limit+2, tags)
	if err != nil {
		return nil, err
	}

	var out []core.SimilarMessage
	for _, r := range results {
		if r.Message.ID == msg.ID || (promptID != "" && r.Message.ID == promptID) {
			continue
		}
		out = append(out, r.Record.Similar(r.Score))
		if len(out) == b.limit {
			break
		}
	}
	return out, nil
}

func (b *Bridge) ensureEmbedded(ctx context.Context, prompt core.Message, spaceID string) error {
	_, err := b.memory.Get(ctx, prompt.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	_, err = b.memory.Upsert(ctx, memory.UpsertInput{Message: prompt, SpaceID: spaceID})
	return err
}

// PurgeConversation soft-deletes a conversation and removes its vectors.
func (b *Bridge) PurgeConversation(ctx context.Context, conversationID string) (int, error) {
	if b.purger != nil {
		if err := b.purger.MarkConversationDeleted(ctx, conversationID); err != nil {
			return 0, goerr.Wrap(err, "failed to mark conversation deleted", goerr.V("conversation_id", conversationID))
		}
	}
	n, err := b.memory.DeleteByConversation(ctx, conversationID)
	logging.From(ctx).Info("purged conversation",
		"component", "annotate",
		"conversation_id", conversationID,
		"vectors", n,
	)
	return n, err
}

// PurgeSpace soft-deletes a space and removes its vectors.
func (b *Bridge) PurgeSpace(ctx context.Context, spaceID string) (int, error) {
	if b.purger != nil {
		if err := b.purger.MarkSpaceDeleted(ctx, spaceID); err != nil {
			return 0, goerr.Wrap(err, "failed to mark space deleted", goerr.V("space_id", spaceID))
		}
	}
	n, err := b.memory.DeleteBySpace(ctx, spaceID)
	logging.From(ctx).Info("purged space",
		"component", "annotate",
		"space_id", spaceID,
		"vectors", n,
	)
	return n, err
}

// scopeTags picks the search scope from the reply's search mode. Without
// one, both the conversation and its space are searched. Space mode falls
// back to the conversation when the space is unknown.
func scopeTags(msg core.Message, spaceID string) []string {
	mode := ""
	if msg.Annotations != nil {
		mode = msg.Annotations.SearchMode
	}

	var tags []string
	if mode != SearchSpace && msg.ConversationID != "" {
		tags = append(tags, memory.ConversationTag(msg.ConversationID))
	}
	if mode != SearchConversation && spaceID != "" {
		tags = append(tags, memory.SpaceTag(spaceID))
	}
	if len(tags) == 0 && msg.ConversationID != "" {
		tags = append(tags, memory.ConversationTag(msg.ConversationID))
	}
	return tags
}

// precedingUser returns the last user message before id in transcript.
func precedingUser(transcript []core.Message, id string) (core.Message, bool) {
	end := len(transcript)
	for i, m := range transcript {
		if m.ID == id {
			end = i
			break
		}
	}
	for i := end - 1; i >= 0; i-- {
		if transcript[i].Role == core.RoleUser {
			return transcript[i], true
		}
	}
	return core.Message{}, false
}
