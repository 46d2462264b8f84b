package onnx

import (
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Special token ids of the bert-base-uncased vocabulary.
const (
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

// Tokenizer performs BERT WordPiece tokenization.
type Tokenizer struct {
	vocab map[string]int
}

// LoadTokenizer reads the vocabulary from a HuggingFace tokenizer.json.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tokenizer", goerr.V("path", path))
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, goerr.Wrap(err, "failed to parse tokenizer", goerr.V("path", path))
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, goerr.New("tokenizer has no vocabulary", goerr.V("path", path))
	}
	return NewTokenizer(tokenizerData.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer over vocab.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	return &Tokenizer{vocab: vocab}
}

// Encode converts text to model input ids framed by [CLS] and [SEP] and
// padded to maxLen. The returned mask marks the attended positions.
func (t *Tokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = clsToken, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = sepToken, 1
	return ids, mask
}

// Tokenize converts text to token ids. BERT uses lowercase input.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		for _, sub := range t.wordPiece(word) {
			if id, ok := t.vocab[sub]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, unkToken)
			}
		}
	}
	return tokens
}

// wordPiece splits word greedily into the longest known subwords.
func (t *Tokenizer) wordPiece(word string) []string {
	var subwords []string
	for start := 0; start < len(word); {
		end := len(word)
		for ; end > start; end-- {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				subwords = append(subwords, sub)
				break
			}
		}
		if end == start {
			subwords = append(subwords, "[UNK]")
			start++
			continue
		}
		start = end
	}
	return subwords
}

// pool reduces model output to one unit vector. Output of shape
// [1, hidden] is already pooled; [1, seq, hidden] is mean-pooled over the
// attended positions.
func pool(data []float32, shape []int64, mask []int64, dims int) ([]float32, error) {
	embedding := make([]float32, dims)

	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, goerr.New("output dimension mismatch", goerr.V("got", len(data)), goerr.V("want", dims))
		}
		copy(embedding, data[:dims])

	case 3:
		if shape[0] != 1 {
			return nil, goerr.New("unexpected batch size", goerr.V("batch", shape[0]))
		}
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != dims {
			return nil, goerr.New("hidden size mismatch", goerr.V("got", hidden), goerr.V("want", dims))
		}
		var attended float32
		for i := 0; i < seqLen && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				embedding[j] += v
			}
		}
		if attended > 0 {
			for j := range embedding {
				embedding[j] /= attended
			}
		}

	default:
		return nil, goerr.New("unexpected output shape", goerr.V("shape", shape))
	}

	return normalize(embedding), nil
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
