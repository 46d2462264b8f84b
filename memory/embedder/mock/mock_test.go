package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/becomeliminal/nim-chat/memory/embedder/mock"
	"github.com/m-mizutani/gt"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbedDeterministic(t *testing.T) {
	e := mock.New(0)
	gt.Value(t, e.Dimensions()).Equal(mock.DefaultDimensions)

	a, err := e.Embed(context.Background(), "How do I reset my password?")
	gt.NoError(t, err)
	b, err := e.Embed(context.Background(), "How do I reset my password?")
	gt.NoError(t, err)
	gt.Array(t, a).Length(mock.DefaultDimensions)
	gt.Value(t, a).Equal(b)
	gt.Bool(t, math.Abs(cosine(a, a)-1) < 1e-4).True()
}

func TestEmbedSharedWordsScoreHigher(t *testing.T) {
	e := mock.New(0)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "reset password")
	near, _ := e.Embed(ctx, "how to reset a password")
	far, _ := e.Embed(ctx, "weather in lisbon tomorrow")

	gt.Bool(t, cosine(q, near) > cosine(q, far)).True()
}

func TestEmbedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mock.New(8).Embed(ctx, "x")
	gt.Error(t, err)
}
