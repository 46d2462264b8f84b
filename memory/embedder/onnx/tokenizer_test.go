package onnx

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
)

var testVocab = map[string]int{
	"[UNK]": unkToken,
	"hello": 7592,
	"world": 2088,
	"play":  2377,
	"##ing": 2075,
}

func TestTokenize(t *testing.T) {
	tok := NewTokenizer(testVocab)

	gt.Value(t, tok.Tokenize("Hello, World!")).Equal([]int64{7592, 2088})
	gt.Value(t, tok.Tokenize("playing")).Equal([]int64{2377, 2075})
	gt.Value(t, tok.Tokenize("xyz")).Equal([]int64{unkToken, unkToken, unkToken})
	gt.Array(t, tok.Tokenize("  ...  ")).Length(0)
}

func TestEncodeFramesAndTruncates(t *testing.T) {
	tok := NewTokenizer(testVocab)

	ids, mask := tok.Encode("hello world", 6)
	gt.Value(t, ids).Equal([]int64{clsToken, 7592, 2088, sepToken, 0, 0})
	gt.Value(t, mask).Equal([]int64{1, 1, 1, 1, 0, 0})

	ids, mask = tok.Encode("hello world hello world", 4)
	gt.Value(t, ids).Equal([]int64{clsToken, 7592, 2088, sepToken})
	gt.Value(t, mask).Equal([]int64{1, 1, 1, 1})
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	gt.NoError(t, os.WriteFile(path, []byte(`{"model":{"vocab":{"hello":7592}}}`), 0o600)).Required()

	tok, err := LoadTokenizer(path)
	gt.NoError(t, err).Required()
	gt.Value(t, tok.Tokenize("hello")).Equal([]int64{7592})

	_, err = LoadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	gt.Error(t, err)
}

func TestPool(t *testing.T) {
	t.Run("mean over attended positions", func(t *testing.T) {
		data := []float32{
			1, 0,
			3, 0,
			100, 100, // masked out
		}
		vec, err := pool(data, []int64{1, 3, 2}, []int64{1, 1, 0}, 2)
		gt.NoError(t, err).Required()
		gt.Value(t, vec).Equal([]float32{1, 0})
	})

	t.Run("already pooled", func(t *testing.T) {
		vec, err := pool([]float32{3, 4}, []int64{1, 2}, nil, 2)
		gt.NoError(t, err).Required()
		gt.Bool(t, math.Abs(float64(vec[0])-0.6) < 1e-6).True()
		gt.Bool(t, math.Abs(float64(vec[1])-0.8) < 1e-6).True()
	})

	t.Run("hidden size mismatch", func(t *testing.T) {
		_, err := pool(make([]float32, 6), []int64{1, 2, 3}, []int64{1, 1}, 2)
		gt.Error(t, err)
	})

	t.Run("unexpected shape", func(t *testing.T) {
		_, err := pool(nil, []int64{1}, nil, 2)
		gt.Error(t, err)
	})
}
