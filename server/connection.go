package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-chat/annotate"
	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/stream"
)

// Client message types.
const (
	TypeOpen   = "open"
	TypeInput  = "input"
	TypeSubmit = "submit"
	TypeAppend = "append"
	TypeReload = "reload"
	TypeStop   = "stop"
)

// Server message types.
const (
	TypeSnapshot     = "snapshot"
	TypeNotification = "notification"
)

// ClientMessage is a request from the browser.
type ClientMessage struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	SpaceID        string `json:"spaceId,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	SearchMode     string `json:"searchMode,omitempty"`
}

// SnapshotMessage pushes reducer state to the browser.
type SnapshotMessage struct {
	Type string `json:"type"`
	stream.Snapshot
}

// NotificationMessage pushes a toast to the browser.
type NotificationMessage struct {
	Type string `json:"type"`
	stream.Notification
}

const streamActiveNotice = "A reply is still streaming. Stop it before sending another message."

// connection is one WebSocket client. It owns the transport and the
// reducer of the conversation currently on screen.
type connection struct {
	server    *Server
	ws        *websocket.Conn
	transport Transport

	writeMu sync.Mutex

	mu      sync.Mutex
	reducer *stream.Reducer

	closeOnce sync.Once
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		server:    s,
		ws:        ws,
		transport: s.config.NewTransport(),
	}
}

func (c *connection) serve(ctx context.Context, conversationID, spaceID string) {
	logger := logging.From(ctx).With("component", "server", "remote", c.ws.RemoteAddr().String())
	ctx = logging.With(ctx, logger)

	c.open(ctx, conversationID, spaceID)

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", logging.ErrAttr(err))
			}
			return
		}
		c.dispatch(ctx, msg)
	}
}

// open replaces the view with conversationID, seeded from history.
func (c *connection) open(ctx context.Context, conversationID, spaceID string) {
	history := c.server.config.History
	var messages []core.Message
	if conversationID != "" && history != nil {
		var err error
		if messages, err = history.ListMessages(ctx, conversationID); err != nil {
			logging.From(ctx).Warn("failed to load history", "conversation_id", conversationID, logging.ErrAttr(err))
			c.notify(ctx, stream.Notification{
				Level:          stream.LevelError,
				Message:        "Could not load this conversation.",
				ConversationID: conversationID,
			})
			messages = nil
		}
		if spaceID == "" {
			if spaceID, err = history.SpaceOf(ctx, conversationID); err != nil {
				logging.From(ctx).Warn("failed to resolve space", "conversation_id", conversationID, logging.ErrAttr(err))
			}
		}
	}

	var bridge *annotate.Bridge
	reducer := stream.New(c.transport,
		stream.WithConversation(conversationID, spaceID),
		stream.WithHistory(messages),
		stream.WithNotifier(stream.NotifierFunc(c.notify)),
		stream.WithOnChange(c.pushSnapshot),
		stream.WithOnFinish(func(ctx context.Context, msg core.Message, transcript []core.Message) {
			if bridge != nil {
				c.record(ctx, bridge, msg, transcript)
			}
		}),
	)
	if mem := c.server.config.Memory; mem != nil {
		bridge = annotate.New(mem,
			annotate.WithAnnotator(reducer),
			annotate.WithPersister(c.server.config.Persister),
			annotate.WithLimit(c.server.config.SimilarLimit),
			annotate.WithSpaceResolver(func(string) string { return reducer.SpaceID() }),
		)
	}

	c.mu.Lock()
	c.reducer = reducer
	c.mu.Unlock()
	c.transport.Attach(reducer)

	c.pushSnapshot(reducer.Snapshot())
}

// record runs the bridge on the transport goroutine. The reducer holds the
// reply active until it returns.
func (c *connection) record(ctx context.Context, bridge *annotate.Bridge, msg core.Message, transcript []core.Message) {
	c.server.wg.Add(1)
	defer c.server.wg.Done()
	bridge.OnFinish(context.WithoutCancel(ctx), msg, transcript)
}

func (c *connection) view() *stream.Reducer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reducer
}

func (c *connection) dispatch(ctx context.Context, msg ClientMessage) {
	reducer := c.view()
	if msg.Type == TypeOpen || (msg.ConversationID != "" && msg.ConversationID != reducer.ConversationID() && !reducer.Status().Active()) {
		c.open(ctx, msg.ConversationID, msg.SpaceID)
		reducer = c.view()
		if msg.Type == TypeOpen {
			return
		}
	}

	opts := stream.RequestOptions{
		ConversationID: msg.ConversationID,
		SpaceID:        msg.SpaceID,
		Provider:       msg.Provider,
		Model:          msg.Model,
		SearchMode:     msg.SearchMode,
	}

	var err error
	switch msg.Type {
	case TypeInput:
		reducer.HandleInputChange(msg.Content)
	case TypeSubmit:
		if msg.Content != "" {
			reducer.HandleInputChange(msg.Content)
		}
		err = reducer.HandleSubmit(ctx, opts)
	case TypeAppend:
		if strings.TrimSpace(msg.Content) == "" {
			c.notify(ctx, stream.Notification{Level: stream.LevelWarning, Message: "Message is empty."})
			return
		}
		err = reducer.Append(ctx, core.Message{Role: core.RoleUser, Content: msg.Content}, opts)
	case TypeReload:
		err = reducer.Reload(ctx, opts)
	case TypeStop:
		err = reducer.Stop(ctx)
	default:
		c.notify(ctx, stream.Notification{Level: stream.LevelError, Message: "Unknown message type: " + msg.Type})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, stream.ErrStreamActive):
		c.notify(ctx, stream.Notification{
			Level:          stream.LevelWarning,
			Message:        streamActiveNotice,
			ConversationID: reducer.ConversationID(),
		})
	default:
		// The reducer has already surfaced the failure.
		logging.From(ctx).Debug("request not issued", "type", msg.Type, logging.ErrAttr(err))
	}
}

func (c *connection) pushSnapshot(snap stream.Snapshot) {
	c.write(SnapshotMessage{Type: TypeSnapshot, Snapshot: snap})
}

func (c *connection) notify(ctx context.Context, n stream.Notification) {
	c.write(NotificationMessage{Type: TypeNotification, Notification: n})
}

func (c *connection) write(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		logging.Default().Debug("websocket write failed", "component", "server", logging.ErrAttr(err))
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		c.transport.Close()
	})
}
