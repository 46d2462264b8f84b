package stream_test

import (
	"context"
	"sync"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/stream"
)

type fakeTransport struct {
	mu        sync.Mutex
	submitted []core.SubmitPayload
	cancelled []string
	submitErr error
	cancelErr error

	// blockCancel makes Cancel wait until its context ends.
	blockCancel bool
}

func (f *fakeTransport) Submit(ctx context.Context, payload core.SubmitPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, payload)
	return f.submitErr
}

func (f *fakeTransport) Cancel(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, conversationID)
	if f.blockCancel {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return ctx.Err()
	}
	return f.cancelErr
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []stream.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, item stream.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *recordingNotifier) all() []stream.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]stream.Notification{}, n.items...)
}

type finishRecorder struct {
	mu       sync.Mutex
	messages []core.Message
}

func (f *finishRecorder) onFinish(ctx context.Context, msg core.Message, transcript []core.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *finishRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	transport *fakeTransport
	notifier  *recordingNotifier
	finished  *finishRecorder
	reducer   *stream.Reducer
}

func newFixture(opts ...stream.Option) *fixture {
	f := &fixture{
		transport: &fakeTransport{},
		notifier:  &recordingNotifier{},
		finished:  &finishRecorder{},
	}
	base := []stream.Option{
		stream.WithConversation("C1", "S1"),
		stream.WithNotifier(f.notifier),
		stream.WithOnFinish(f.finished.onFinish),
	}
	f.reducer = stream.New(f.transport, append(base, opts...)...)
	return f
}

func (f *fixture) send(ctx context.Context, text string) error {
	return f.reducer.Append(ctx, core.Message{Role: core.RoleUser, Content: text}, stream.RequestOptions{})
}

func chunk(text string) core.ChunkEvent {
	return core.ChunkEvent{Scope: core.Scope{ConversationID: "C1"}, Chunk: text}
}

func statusEvent(s core.StreamStatus) core.StatusEvent {
	return core.StatusEvent{Scope: core.Scope{ConversationID: "C1"}, Status: s}
}

func last(msgs []core.Message) core.Message {
	return msgs[len(msgs)-1]
}
