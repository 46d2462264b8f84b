// Package claude streams replies from the Anthropic Messages API and feeds
// them to a stream reducer as chunk, finish, error and status events.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/becomeliminal/nim-chat/stream"
)

// Provider is the provider name recorded in reply annotations.
const Provider = "anthropic"

// Config holds request defaults.
type Config struct {
	// Model is used when a request names none.
	Model string

	// MaxTokens bounds each reply.
	MaxTokens int64

	// SystemPrompt is prepended to every request.
	SystemPrompt string

	// MemoryBudget is the character budget for similar past messages
	// injected into the system prompt. 0 disables injection.
	MemoryBudget int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = Config{
	Model:        "claude-sonnet-4-5",
	MaxTokens:    4096,
	MemoryBudget: 2000,
}

// ErrNotAttached is returned when submitting on a Conn without a handler.
var ErrNotAttached = goerr.New("transport has no event handler attached")

// Client is a shared Anthropic client. Each conversation view opens its
// own Conn.
type Client struct {
	api    *anthropic.Client
	config Config
	now    func() time.Time
}

// New creates a Client.
func New(api *anthropic.Client, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultConfig.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig.MaxTokens
	}
	return &Client{api: api, config: cfg, now: time.Now}
}

// Connect returns a transport for one conversation view. Attach the view's
// event handler before submitting.
func (c *Client) Connect() *Conn {
	return &Conn{client: c, inflight: make(map[string]*request)}
}

// Conn implements stream.Transport. It runs one goroutine per in-flight
// request, at most one per conversation.
type Conn struct {
	client *Client

	mu       sync.Mutex
	handler  stream.EventHandler
	inflight map[string]*request
	wg       sync.WaitGroup
}

type request struct {
	streamID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Attach sets the event handler.
func (c *Conn) Attach(h stream.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Submit starts streaming a reply to payload. It returns once the request
// is scheduled; the outcome arrives as events. A request still running for
// the same conversation is cancelled first.
func (c *Conn) Submit(ctx context.Context, payload core.SubmitPayload) error {
	params, err := c.client.params(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	handler := c.handler
	if handler == nil {
		c.mu.Unlock()
		return ErrNotAttached
	}
	if prev, ok := c.inflight[payload.ConversationID]; ok {
		prev.cancel()
	}
	// The request outlives the submitting call but keeps its logger.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req := &request{streamID: payload.StreamID, cancel: cancel, done: make(chan struct{})}
	c.inflight[payload.ConversationID] = req
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(req.done)
		defer c.release(payload.ConversationID, req)
		c.run(reqCtx, handler, payload, params)
	}()
	return nil
}

// Cancel stops the request running for conversationID and waits until it
// has wound down or ctx expires. Cancelling an idle conversation is a no-op.
func (c *Conn) Cancel(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	req, ok := c.inflight[conversationID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	req.cancel()
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "cancellation not confirmed", goerr.V("conversation_id", conversationID))
	}
}

// Close cancels every request and waits for their goroutines.
func (c *Conn) Close() {
	c.mu.Lock()
	for _, req := range c.inflight {
		req.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Conn) release(conversationID string, req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.cancel()
	if c.inflight[conversationID] == req {
		delete(c.inflight, conversationID)
	}
}

func (c *Conn) run(ctx context.Context, h stream.EventHandler, payload core.SubmitPayload, params anthropic.MessageNewParams) {
	scope := core.Scope{ConversationID: payload.ConversationID, StreamID: payload.StreamID}
	logger := logging.From(ctx).With("component", "claude", "conversation_id", payload.ConversationID, "stream_id", payload.StreamID)

	h.HandleEvent(ctx, core.StatusEvent{Scope: scope, Status: core.StreamInitiated})

	s := c.client.api.Messages.NewStreaming(ctx, params)
	defer s.Close()

	// Accumulate the message from events
	message := anthropic.Message{}
	messageID := core.NewMessageID()
	var content strings.Builder
	first := true

	for s.Next() {
		event := s.Current()
		if err := message.Accumulate(event); err != nil {
			logger.Debug("failed to accumulate stream event", logging.ErrAttr(err))
		}

		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			h.HandleEvent(ctx, core.StatusEvent{Scope: scope, Status: core.StreamStreaming})
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				content.WriteString(delta.Text)
				h.HandleEvent(ctx, core.ChunkEvent{
					Scope:     scope,
					Chunk:     delta.Text,
					MessageID: messageID,
					IsFirst:   first,
				})
				first = false
			}
		}
	}

	if ctx.Err() != nil {
		logger.Debug("stream cancelled")
		h.HandleEvent(ctx, core.StatusEvent{Scope: scope, Status: core.StreamCancelled})
		return
	}
	if err := s.Err(); err != nil {
		logger.Warn("stream failed", logging.ErrAttr(err))
		msg, details := describe(err)
		h.HandleEvent(ctx, core.ErrorEvent{Scope: scope, Message: msg, Details: details})
		return
	}

	model := string(message.Model)
	if model == "" {
		model = string(params.Model)
	}
	final := &core.Message{
		ID:             messageID,
		Role:           core.RoleAssistant,
		Content:        content.String(),
		CreatedAt:      c.client.now(),
		ConversationID: payload.ConversationID,
		Annotations: &core.Annotations{
			Model:      model,
			Provider:   Provider,
			SearchMode: payload.SearchMode,
		},
	}
	logger.Debug("stream finished",
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"stop_reason", message.StopReason,
	)
	h.HandleEvent(ctx, core.FinishEvent{Scope: scope, FinalMessage: final})
}

// params converts the transcript to a Messages API request. System turns
// and empty turns are skipped and consecutive turns of the same role are
// merged, since the API requires alternating user and assistant turns.
func (c *Client) params(payload core.SubmitPayload) (anthropic.MessageNewParams, error) {
	var (
		messages []anthropic.MessageParam
		lastRole core.Role
		pending  []string
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == core.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
		pending = nil
	}

	for _, m := range payload.Messages {
		if m.Role == core.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if len(messages) == 0 && len(pending) == 0 && m.Role != core.RoleUser {
			// The first turn must come from the user.
			continue
		}
		if m.Role != lastRole {
			flush()
			lastRole = m.Role
		}
		pending = append(pending, m.Content)
	}
	flush()

	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, goerr.New("no user message to reply to", goerr.V("conversation_id", payload.ConversationID))
	}

	model := payload.Model
	if model == "" {
		model = c.config.Model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.config.MaxTokens,
		Messages:  messages,
	}
	if system := c.systemPrompt(payload.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params, nil
}

// systemPrompt appends the similar messages attached to the latest
// annotated reply.
func (c *Client) systemPrompt(transcript []core.Message) string {
	prompt := c.config.SystemPrompt
	if c.config.MemoryBudget <= 0 {
		return prompt
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		ann := transcript[i].Annotations
		if ann == nil || len(ann.SimilarMessages) == 0 {
			continue
		}
		block := memory.FormatSimilar(ann.SimilarMessages, c.config.MemoryBudget)
		if prompt == "" {
			return block
		}
		return prompt + "\n\n" + block
	}
	return prompt
}

// describe splits an API failure into a matchable message and raw details.
func describe(err error) (string, string) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%d %s", apiErr.StatusCode, http.StatusText(apiErr.StatusCode)), apiErr.Error()
	}
	return err.Error(), ""
}
