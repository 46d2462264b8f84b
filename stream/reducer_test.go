package stream_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/stream"
)

func TestAppendChunksFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	gt.NoError(t, f.send(ctx, "hello")).Required()
	gt.Value(t, f.reducer.Status()).Equal(core.StatusSubmitted)
	gt.Array(t, f.transport.submitted).Length(1)
	gt.Value(t, f.transport.submitted[0].ConversationID).Equal("C1")
	gt.Value(t, f.transport.submitted[0].SpaceID).Equal("S1")

	f.reducer.HandleEvent(ctx, chunk("Hi"))
	gt.Value(t, f.reducer.Status()).Equal(core.StatusStreaming)
	f.reducer.HandleEvent(ctx, chunk(" there"))
	f.reducer.HandleEvent(ctx, core.FinishEvent{Scope: core.Scope{ConversationID: "C1"}})

	msgs := f.reducer.Messages()
	gt.Array(t, msgs).Length(2)
	gt.Value(t, msgs[0].Content).Equal("hello")
	gt.Value(t, last(msgs).Role).Equal(core.RoleAssistant)
	gt.Value(t, last(msgs).Content).Equal("Hi there")
	gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
	gt.Value(t, f.reducer.Session()).Nil()
	gt.Value(t, f.finished.count()).Equal(1)
	gt.Value(t, f.finished.messages[0].Content).Equal("Hi there")
}

func TestChunkOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "count")).Required()

	parts := []string{"one", ", ", "two", ", ", "three", "", " — ", "four ✓"}
	for _, p := range parts {
		f.reducer.HandleEvent(ctx, chunk(p))
	}
	f.reducer.HandleEvent(ctx, core.FinishEvent{})

	gt.Value(t, last(f.reducer.Messages()).Content).Equal(strings.Join(parts, ""))
}

func TestFinishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()

	f.reducer.HandleEvent(ctx, chunk("answer"))
	f.reducer.HandleEvent(ctx, core.FinishEvent{})
	f.reducer.HandleEvent(ctx, core.FinishEvent{FinalMessage: &core.Message{ID: "stale", Content: "overwritten"}})

	m := last(f.reducer.Messages())
	gt.Value(t, m.Content).Equal("answer")
	gt.Value(t, m.ID).NotEqual("stale")
	gt.Value(t, f.finished.count()).Equal(1)
}

func TestFinishReconcilesFinalMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()

	f.reducer.HandleEvent(ctx, chunk("draft"))
	f.reducer.HandleEvent(ctx, core.FinishEvent{FinalMessage: &core.Message{
		ID:          "srv-1",
		Content:     "final answer",
		Annotations: &core.Annotations{Model: "m"},
	}})

	m := last(f.reducer.Messages())
	gt.Value(t, m.ID).Equal("srv-1")
	gt.Value(t, m.Content).Equal("final answer")
	gt.Value(t, m.Annotations.Model).Equal("m")
	gt.Array(t, f.reducer.Messages()).Length(2)
}

func TestFinishWithoutChunksAppendsFinalMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()

	f.reducer.HandleEvent(ctx, core.FinishEvent{FinalMessage: &core.Message{Content: "whole reply"}})

	m := last(f.reducer.Messages())
	gt.Value(t, m.Role).Equal(core.RoleAssistant)
	gt.Value(t, m.Content).Equal("whole reply")
	gt.Value(t, m.ConversationID).Equal("C1")
	gt.Value(t, f.finished.count()).Equal(1)
}

func TestCancellationContentPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("short content is replaced by a placeholder", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: core.Scope{ConversationID: "C1"}, Chunk: "partial", MessageID: "a1"})
		f.reducer.HandleEvent(ctx, statusEvent(core.StreamCancelled))

		m := last(f.reducer.Messages())
		gt.Value(t, m.Content).Equal(stream.CancelledMessage)
		gt.Value(t, m.ID).NotEqual("a1")
		gt.Array(t, f.reducer.Messages()).Length(2)
		gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
	})

	t.Run("exactly fifty runes is still short", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: core.Scope{ConversationID: "C1"}, Chunk: strings.Repeat("x", 50), MessageID: "a1"})
		f.reducer.HandleEvent(ctx, statusEvent(core.StreamCancelled))

		gt.Value(t, last(f.reducer.Messages()).Content).Equal(stream.CancelledMessage)
	})

	t.Run("substantial content keeps id with marker", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		long := strings.Repeat("y", 51)
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: core.Scope{ConversationID: "C1"}, Chunk: long, MessageID: "a1"})
		f.reducer.HandleEvent(ctx, statusEvent(core.StreamCancelled))

		m := last(f.reducer.Messages())
		gt.Value(t, m.ID).Equal("a1")
		gt.Value(t, m.Content).Equal(long + stream.StoppedMarker)
		gt.Value(t, m.Annotations.Interrupted).Equal(core.InterruptionCancelled)
	})
}

func TestCancelledBeforeAnyChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()

	f.reducer.HandleEvent(ctx, statusEvent(core.StreamStreaming))
	gt.Value(t, f.reducer.Status()).Equal(core.StatusStreaming)
	f.reducer.HandleEvent(ctx, statusEvent(core.StreamCancelled))

	msgs := f.reducer.Messages()
	gt.Array(t, msgs).Length(2)
	gt.Value(t, last(msgs).Content).Equal(stream.CancelledMessage)
	gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
	gt.Value(t, f.finished.count()).Equal(0)
}

func TestIsolationAcrossConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()
	f.reducer.HandleEvent(ctx, chunk("mine"))

	other := core.Scope{ConversationID: "B"}
	f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: other, Chunk: " theirs"})
	f.reducer.HandleEvent(ctx, core.StatusEvent{Scope: other, Status: core.StreamCancelled})
	f.reducer.HandleEvent(ctx, core.FinishEvent{Scope: other})

	gt.Value(t, last(f.reducer.Messages()).Content).Equal("mine")
	gt.Value(t, f.reducer.Status()).Equal(core.StatusStreaming)
	gt.Value(t, f.finished.count()).Equal(0)
}

func TestStreamIDMismatchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()
	streamID := f.reducer.Session().StreamID

	f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: core.Scope{StreamID: streamID}, Chunk: "ok"})
	f.reducer.HandleEvent(ctx, core.ChunkEvent{Scope: core.Scope{StreamID: "old-stream"}, Chunk: "zombie"})

	gt.Value(t, last(f.reducer.Messages()).Content).Equal("ok")
}

func TestAppendWithoutConversation(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	n := &recordingNotifier{}
	r := stream.New(tr, stream.WithNotifier(n))

	err := r.Append(ctx, core.Message{Content: "hello"}, stream.RequestOptions{})
	gt.Error(t, err).Is(stream.ErrNoConversation)
	gt.Array(t, tr.submitted).Length(0)
	gt.Value(t, r.Status()).Equal(core.StatusError)
	gt.Array(t, n.all()).Length(1)
	gt.Value(t, n.all()[0].Level).Equal(stream.LevelError)

	// Options can supply the conversation.
	gt.NoError(t, r.Append(ctx, core.Message{Content: "hello"}, stream.RequestOptions{ConversationID: "C9"}))
	gt.Value(t, r.Status()).Equal(core.StatusSubmitted)
	gt.Value(t, r.ConversationID()).Equal("C9")
}

func TestAppendWhileStreaming(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "first")).Required()

	gt.Error(t, f.send(ctx, "second")).Is(stream.ErrStreamActive)
	gt.Array(t, f.transport.submitted).Length(1)
}

func TestSubmitFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cause := errors.New("POST /v1/messages: 503 Service Unavailable")
	f.transport.submitErr = cause

	err := f.send(ctx, "hello")
	gt.Error(t, err).Is(stream.ErrSubmitFailed)
	gt.Error(t, err).Is(cause)
	gt.Value(t, f.reducer.Status()).Equal(core.StatusError)
	gt.Value(t, f.reducer.Session()).Nil()
	gt.Value(t, f.reducer.Snapshot().Error).Equal(stream.MessageUnavailable)

	notes := f.notifier.all()
	gt.Array(t, notes).Length(1)
	gt.Value(t, notes[0].Message).Equal(stream.MessageUnavailable)
}

func TestErrorEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("short content becomes an apology", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, chunk("Hi"))
		f.reducer.HandleEvent(ctx, core.ErrorEvent{Message: "context deadline exceeded"})

		msgs := f.reducer.Messages()
		gt.Array(t, msgs).Length(2)
		gt.Value(t, last(msgs).Role).Equal(core.RoleSystem)
		gt.String(t, last(msgs).Content).Contains(stream.MessageTimeout)
		gt.Value(t, f.reducer.Status()).Equal(core.StatusError)
		gt.Error(t, f.reducer.Err()).Is(stream.ErrStreamFailed)
		gt.Array(t, f.notifier.all()).Length(1)
	})

	t.Run("substantial content keeps marker", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		long := strings.Repeat("z", 80)
		f.reducer.HandleEvent(ctx, chunk(long))
		f.reducer.HandleEvent(ctx, core.ErrorEvent{Message: "stream reset"})

		m := last(f.reducer.Messages())
		gt.Value(t, m.Content).Equal(long + stream.ErrorMarker)
		gt.Value(t, m.Role).Equal(core.RoleAssistant)
	})

	t.Run("error before chunks still leaves a message", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ErrorEvent{Message: "boom"})

		msgs := f.reducer.Messages()
		gt.Array(t, msgs).Length(2)
		gt.Value(t, last(msgs).Role).Equal(core.RoleSystem)
	})

	t.Run("error is not terminal", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ErrorEvent{Message: "boom"})
		gt.NoError(t, f.send(ctx, "again"))
		gt.Value(t, f.reducer.Status()).Equal(core.StatusSubmitted)
		gt.NoError(t, f.reducer.Err())
	})
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("forces ready even when cancel fails", func(t *testing.T) {
		f := newFixture()
		f.transport.cancelErr = errors.New("connection refused")
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, chunk("partial"))

		gt.NoError(t, f.reducer.Stop(ctx))
		gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
		gt.Array(t, f.transport.cancelled).Length(1)
		gt.Value(t, f.transport.cancelled[0]).Equal("C1")
		gt.Value(t, last(f.reducer.Messages()).Content).Equal(stream.CancelledMessage)

		notes := f.notifier.all()
		gt.Array(t, notes).Length(1)
		gt.Value(t, notes[0].Level).Equal(stream.LevelWarning)
	})

	t.Run("unconfirmed cancel times out with a warning", func(t *testing.T) {
		f := newFixture(stream.WithCancelTimeout(20 * time.Millisecond))
		f.transport.blockCancel = true
		gt.NoError(t, f.send(ctx, "q")).Required()

		gt.NoError(t, f.reducer.Stop(ctx))
		gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
		notes := f.notifier.all()
		gt.Array(t, notes).Length(1)
		gt.Value(t, notes[0].Level).Equal(stream.LevelWarning)
	})

	t.Run("late events after stop are discarded", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		gt.NoError(t, f.reducer.Stop(ctx))

		f.reducer.HandleEvent(ctx, chunk("zombie"))
		f.reducer.HandleEvent(ctx, core.FinishEvent{})
		gt.Value(t, last(f.reducer.Messages()).Content).Equal(stream.CancelledMessage)
		gt.Value(t, f.finished.count()).Equal(0)
	})

	t.Run("no-op when idle", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.reducer.Stop(ctx))
		gt.Array(t, f.transport.cancelled).Length(0)
	})
}

func TestReload(t *testing.T) {
	ctx := context.Background()

	t.Run("empty transcript is a no-op", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.reducer.Reload(ctx, stream.RequestOptions{}))
		gt.Array(t, f.transport.submitted).Length(0)
	})

	t.Run("drops trailing assistant reply", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, chunk("bad answer"))
		f.reducer.HandleEvent(ctx, core.FinishEvent{})

		gt.NoError(t, f.reducer.Reload(ctx, stream.RequestOptions{Model: "m2"}))
		gt.Array(t, f.transport.submitted).Length(2)
		replay := f.transport.submitted[1]
		gt.Array(t, replay.Messages).Length(1)
		gt.Value(t, replay.Messages[0].Content).Equal("q")
		gt.Value(t, replay.Model).Equal("m2")
		gt.Array(t, f.reducer.Messages()).Length(1)
		gt.Value(t, f.reducer.Status()).Equal(core.StatusSubmitted)
	})
}

func TestChunkReconstruction(t *testing.T) {
	ctx := context.Background()

	t.Run("lost bubble is rebuilt", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "a", MessageID: "m1"})
		stream.DropMessage(f.reducer, "m1")
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "b"})

		m := last(f.reducer.Messages())
		gt.Value(t, m.ID).Equal("m1")
		gt.Value(t, m.Content).Equal("b")
	})

	t.Run("full message supersedes accumulation", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, chunk("Hel"))
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "lo", FullMessage: "Hello"})
		gt.Value(t, last(f.reducer.Messages()).Content).Equal("Hello")
	})

	t.Run("repeated first chunk replaces instead of duplicating", func(t *testing.T) {
		f := newFixture()
		gt.NoError(t, f.send(ctx, "q")).Required()
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "x", MessageID: "m1", IsFirst: true})
		f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "y", MessageID: "m1", IsFirst: true})

		msgs := f.reducer.Messages()
		gt.Array(t, msgs).Length(2)
		gt.Value(t, last(msgs).Content).Equal("y")
	})
}

func TestCompletedStatusFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	gt.NoError(t, f.send(ctx, "q")).Required()

	f.reducer.HandleEvent(ctx, statusEvent(core.StreamInitiated))
	gt.Value(t, f.reducer.Status()).Equal(core.StatusSubmitted)
	f.reducer.HandleEvent(ctx, chunk("done"))
	f.reducer.HandleEvent(ctx, statusEvent(core.StreamCompleted))
	f.reducer.HandleEvent(ctx, core.FinishEvent{})

	gt.Value(t, f.reducer.Status()).Equal(core.StatusReady)
	gt.Value(t, f.finished.count()).Equal(1)
}

func TestHandleSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("submits and clears input", func(t *testing.T) {
		f := newFixture()
		f.reducer.HandleInputChange("  hello  ")
		gt.NoError(t, f.reducer.HandleSubmit(ctx, stream.RequestOptions{}))
		gt.Value(t, f.reducer.Input()).Equal("")
		gt.Value(t, f.reducer.Messages()[0].Content).Equal("hello")
	})

	t.Run("empty input is ignored", func(t *testing.T) {
		f := newFixture()
		f.reducer.HandleInputChange("   ")
		gt.NoError(t, f.reducer.HandleSubmit(ctx, stream.RequestOptions{}))
		gt.Array(t, f.transport.submitted).Length(0)
	})

	t.Run("input restored on failure", func(t *testing.T) {
		r := stream.New(&fakeTransport{}, stream.WithNotifier(&recordingNotifier{}))
		r.HandleInputChange("keep me")
		gt.Error(t, r.HandleSubmit(ctx, stream.RequestOptions{}))
		gt.Value(t, r.Input()).Equal("keep me")
	})
}

func TestAnnotateAndOnChange(t *testing.T) {
	ctx := context.Background()
	var snaps []stream.Snapshot
	f := newFixture(stream.WithOnChange(func(s stream.Snapshot) { snaps = append(snaps, s) }))

	gt.NoError(t, f.send(ctx, "q")).Required()
	f.reducer.HandleEvent(ctx, core.ChunkEvent{Chunk: "a", MessageID: "m1"})
	f.reducer.HandleEvent(ctx, core.FinishEvent{})

	ok := f.reducer.Annotate("m1", &core.Annotations{SimilarMessages: []core.SimilarMessage{{ID: "old"}}})
	gt.Bool(t, ok).True()
	gt.Bool(t, f.reducer.Annotate("missing", nil)).False()
	gt.Value(t, last(f.reducer.Messages()).Annotations.SimilarMessages[0].ID).Equal("old")
	gt.Bool(t, len(snaps) >= 4).True()
}

func TestFinishHookRunsBeforeReady(t *testing.T) {
	ctx := context.Background()
	var (
		reducer     *stream.Reducer
		hookStatus  core.Status
		appendErr   error
		stopped     error
		statuses    []core.Status
		annotatedAt = -1
	)
	reducer = stream.New(&fakeTransport{},
		stream.WithConversation("C1", "S1"),
		stream.WithNotifier(&recordingNotifier{}),
		stream.WithOnChange(func(s stream.Snapshot) {
			statuses = append(statuses, s.Status)
			if n := len(s.Messages); n > 0 && s.Messages[n-1].Annotations != nil && annotatedAt < 0 {
				annotatedAt = len(statuses) - 1
			}
		}),
		stream.WithOnFinish(func(ctx context.Context, msg core.Message, _ []core.Message) {
			hookStatus = reducer.Status()
			appendErr = reducer.Append(ctx, core.Message{Content: "too soon"}, stream.RequestOptions{})
			stopped = reducer.Stop(ctx)
			reducer.Annotate(msg.ID, &core.Annotations{SimilarMessages: []core.SimilarMessage{{ID: "m0", Content: "old", Score: 0.9}}})
		}),
	)

	gt.NoError(t, reducer.Append(ctx, core.Message{Content: "hi"}, stream.RequestOptions{})).Required()
	reducer.HandleEvent(ctx, chunk("Hi"))
	reducer.HandleEvent(ctx, core.FinishEvent{Scope: core.Scope{ConversationID: "C1"}})

	gt.Bool(t, hookStatus.Active()).True()
	gt.Error(t, appendErr).Is(stream.ErrStreamActive)
	gt.NoError(t, stopped)
	gt.Value(t, reducer.Status()).Equal(core.StatusReady)

	msgs := reducer.Messages()
	gt.Array(t, msgs).Length(2)
	gt.Value(t, last(msgs).Content).Equal("Hi")
	gt.Value(t, last(msgs).Annotations.Interrupted).Equal(core.Interruption(""))
	gt.Array(t, last(msgs).Annotations.SimilarMessages).Length(1)

	gt.Value(t, statuses[len(statuses)-1]).Equal(core.StatusReady)
	gt.Bool(t, annotatedAt >= 0 && annotatedAt < len(statuses)-1).True()
	gt.Bool(t, statuses[annotatedAt].Active()).True()
}
