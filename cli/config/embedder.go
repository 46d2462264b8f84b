package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/becomeliminal/nim-chat/memory/embedder/gemini"
	"github.com/becomeliminal/nim-chat/memory/embedder/mock"
)

// Embedder backends.
const (
	EmbedderMock   = "mock"
	EmbedderGemini = "gemini"
	EmbedderONNX   = "onnx"
)

// Embedder holds CLI flags selecting the text embedding backend.
type Embedder struct {
	backend    string
	dimensions int

	geminiProject  string
	geminiLocation string

	onnxModel     string
	onnxTokenizer string
	onnxLibrary   string
}

// Flags returns CLI flags for embedder configuration
func (e *Embedder) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding backend (mock, gemini, onnx)",
			Value:       EmbedderMock,
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_EMBEDDER"),
			Destination: &e.backend,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Embedding vector size. 0 uses the backend default",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_EMBEDDING_DIMENSIONS"),
			Destination: &e.dimensions,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini embeddings",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_GEMINI_PROJECT"),
			Destination: &e.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini embeddings",
			Value:       "us-central1",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_GEMINI_LOCATION"),
			Destination: &e.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "onnx-model",
			Usage:       "Path to the ONNX sentence embedding model",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_ONNX_MODEL"),
			Destination: &e.onnxModel,
		},
		&cli.StringFlag{
			Name:        "onnx-tokenizer",
			Usage:       "Path to the model's tokenizer.json",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_ONNX_TOKENIZER"),
			Destination: &e.onnxTokenizer,
		},
		&cli.StringFlag{
			Name:        "onnx-library",
			Usage:       "Path to libonnxruntime. Empty uses the system default",
			Category:    "Embedding",
			Sources:     cli.EnvVars("NIM_CHAT_ONNX_LIBRARY"),
			Destination: &e.onnxLibrary,
		},
	}
}

// LogAttrs returns log attributes for the embedder configuration
func (e *Embedder) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("backend", e.backend),
		slog.Int("dimensions", e.dimensions),
	}
	switch e.backend {
	case EmbedderGemini:
		attrs = append(attrs,
			slog.String("gemini_project", e.geminiProject),
			slog.String("gemini_location", e.geminiLocation),
		)
	case EmbedderONNX:
		attrs = append(attrs, slog.String("onnx_model", e.onnxModel))
	}
	return attrs
}

// Configure creates the embedder. The returned closer releases native
// resources held by the backend.
func (e *Embedder) Configure(ctx context.Context) (memory.Embedder, func(), error) {
	switch e.backend {
	case EmbedderMock, "":
		logging.From(ctx).Warn("using the mock embedder; similarity is lexical only")
		return mock.New(e.dimensions), func() {}, nil

	case EmbedderGemini:
		if e.geminiProject == "" {
			return nil, nil, goerr.New("gemini-project is required for the gemini embedder")
		}
		emb, err := gemini.NewVertex(ctx, e.geminiProject, e.geminiLocation, e.dimensions)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to configure gemini embedder")
		}
		return emb, func() {}, nil

	case EmbedderONNX:
		if e.onnxModel == "" || e.onnxTokenizer == "" {
			return nil, nil, goerr.New("onnx-model and onnx-tokenizer are required for the onnx embedder")
		}
		return newONNX(ctx, e)
	}
	return nil, nil, goerr.New("invalid embedder backend", goerr.V("backend", e.backend))
}
