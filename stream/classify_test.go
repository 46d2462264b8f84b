package stream_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/nim-chat/stream"
)

func TestClassifyMessage(t *testing.T) {
	cases := map[string]string{
		"request timeout after 30s":              stream.MessageTimeout,
		"POST: 429 Too Many Requests":            stream.MessageRateLimited,
		"401 Unauthorized":                       stream.MessageUnauthorized,
		"upstream returned 503":                  stream.MessageUnavailable,
		"overloaded_error: Overloaded":           stream.MessageUnavailable,
		"dial tcp: connection refused":           stream.MessageNetwork,
		"read: unexpected EOF":                   stream.MessageNetwork,
		"prompt exceeds max 40000 tokens":        "prompt exceeds max 40000 tokens",
		"geoffrey is not a known speaker":        "geoffrey is not a known speaker",
		"status=400 bad input":                   stream.MessageBadRequest,
		"":                                       "An unknown error occurred.",
		"something odd happened in the pipeline": "something odd happened in the pipeline",
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			gt.Value(t, stream.ClassifyMessage(raw)).Equal(want)
		})
	}
}

func TestClassifyMessageTruncates(t *testing.T) {
	raw := strings.Repeat("q", 150)
	got := stream.ClassifyMessage(raw)
	gt.Value(t, got).Equal(strings.Repeat("q", 100) + "...")
}

func TestClassifyErrorGRPC(t *testing.T) {
	gt.Value(t, stream.ClassifyError(status.Error(codes.DeadlineExceeded, "slow"))).Equal(stream.MessageTimeout)
	gt.Value(t, stream.ClassifyError(status.Error(codes.Unavailable, "down"))).Equal(stream.MessageUnavailable)
	gt.Value(t, stream.ClassifyError(errors.New("rate limit reached"))).Equal(stream.MessageRateLimited)
	gt.Value(t, stream.ClassifyError(nil)).Equal("")
}
