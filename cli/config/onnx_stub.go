//go:build !onnx

package config

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/memory"
)

func newONNX(ctx context.Context, e *Embedder) (memory.Embedder, func(), error) {
	return nil, nil, goerr.New("onnx embedder is not available; rebuild with -tags onnx")
}
