//go:build onnx

package config

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/becomeliminal/nim-chat/memory/embedder/onnx"
)

func newONNX(ctx context.Context, e *Embedder) (memory.Embedder, func(), error) {
	emb, err := onnx.New(ctx, onnx.Config{
		ModelPath:         e.onnxModel,
		TokenizerPath:     e.onnxTokenizer,
		SharedLibraryPath: e.onnxLibrary,
		Dimensions:        e.dimensions,
	})
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to configure onnx embedder", goerr.V("model", e.onnxModel))
	}
	closer := func() {
		if err := emb.Close(); err != nil {
			logging.From(ctx).Warn("failed to release onnx session", logging.ErrAttr(err))
		}
	}
	return emb, closer, nil
}
