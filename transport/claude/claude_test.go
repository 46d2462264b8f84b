package claude_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/gt"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/transport/claude"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) HandleEvent(ctx context.Context, ev core.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	switch e := ev.(type) {
	case core.FinishEvent, core.ErrorEvent:
		r.once.Do(func() { close(r.done) })
	case core.StatusEvent:
		if e.Status == core.StreamCancelled {
			r.once.Do(func() { close(r.done) })
		}
	}
}

func (r *recorder) wait(t *testing.T) []core.Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

func writeEvent(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

const messageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}}`

func textDelta(text string) string {
	return fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text)
}

func newClient(t *testing.T, handler http.HandlerFunc) *claude.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	api := anthropic.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return claude.New(&api, claude.Config{})
}

func payload() core.SubmitPayload {
	return core.SubmitPayload{
		StreamID:       "st-1",
		ConversationID: "C1",
		SearchMode:     "conversation",
		Messages: []core.Message{
			{ID: "u1", Role: core.RoleUser, Content: "Say hi", ConversationID: "C1"},
		},
	}
}

func TestStreamsChunksAndFinish(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", messageStart)
		writeEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeEvent(w, "content_block_delta", textDelta("Hi"))
		writeEvent(w, "content_block_delta", textDelta(" there"))
		writeEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
	})

	rec := newRecorder()
	conn := client.Connect()
	conn.Attach(rec)
	defer conn.Close()

	gt.NoError(t, conn.Submit(context.Background(), payload())).Required()
	events := rec.wait(t)

	var chunks []core.ChunkEvent
	var final *core.Message
	for _, ev := range events {
		gt.Value(t, ev.EventScope()).Equal(core.Scope{ConversationID: "C1", StreamID: "st-1"})
		switch e := ev.(type) {
		case core.ChunkEvent:
			chunks = append(chunks, e)
		case core.FinishEvent:
			final = e.FinalMessage
		}
	}

	gt.Value(t, events[0]).Equal(core.Event(core.StatusEvent{Scope: core.Scope{ConversationID: "C1", StreamID: "st-1"}, Status: core.StreamInitiated}))
	gt.Array(t, chunks).Length(2)
	gt.Bool(t, chunks[0].IsFirst).True()
	gt.Bool(t, chunks[1].IsFirst).False()
	gt.Value(t, chunks[0].MessageID).Equal(chunks[1].MessageID)

	gt.Value(t, final).NotNil()
	gt.Value(t, final.Content).Equal("Hi there")
	gt.Value(t, final.ID).Equal(chunks[0].MessageID)
	gt.Value(t, final.Role).Equal(core.RoleAssistant)
	gt.Value(t, final.Annotations.Model).Equal("claude-test")
	gt.Value(t, final.Annotations.Provider).Equal(claude.Provider)
	gt.Value(t, final.Annotations.SearchMode).Equal("conversation")
}

func TestAPIErrorBecomesErrorEvent(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	rec := newRecorder()
	conn := client.Connect()
	conn.Attach(rec)
	defer conn.Close()

	gt.NoError(t, conn.Submit(context.Background(), payload())).Required()
	events := rec.wait(t)

	last, ok := events[len(events)-1].(core.ErrorEvent)
	gt.Bool(t, ok).True()
	gt.String(t, last.Message).Contains("429")
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", messageStart)
		writeEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeEvent(w, "content_block_delta", textDelta("partial"))
		close(started)
		<-r.Context().Done()
	})

	rec := newRecorder()
	conn := client.Connect()
	conn.Attach(rec)
	defer conn.Close()

	gt.NoError(t, conn.Submit(context.Background(), payload())).Required()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gt.NoError(t, conn.Cancel(ctx, "C1")).Required()

	events := rec.wait(t)
	last, ok := events[len(events)-1].(core.StatusEvent)
	gt.Bool(t, ok).True()
	gt.Value(t, last.Status).Equal(core.StreamCancelled)

	// Nothing left to cancel.
	gt.NoError(t, conn.Cancel(ctx, "C1"))
}

func TestSubmitValidation(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	conn := client.Connect()
	t.Run("handler required", func(t *testing.T) {
		gt.Error(t, conn.Submit(context.Background(), payload())).Is(claude.ErrNotAttached)
	})

	conn.Attach(newRecorder())
	t.Run("needs a user turn", func(t *testing.T) {
		p := payload()
		p.Messages = []core.Message{{ID: "s", Role: core.RoleSystem, Content: "be nice"}}
		gt.Error(t, conn.Submit(context.Background(), p))
	})
}
