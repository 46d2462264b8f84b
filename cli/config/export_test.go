package config

import "time"

// NewAnthropicForTest creates an Anthropic config for testing purposes
func NewAnthropicForTest(apiKey, model string) *Anthropic {
	return &Anthropic{apiKey: apiKey, model: model, maxTokens: 1024}
}

// NewEmbedderForTest creates an Embedder config for testing purposes
func NewEmbedderForTest(backend string, dimensions int) *Embedder {
	return &Embedder{backend: backend, dimensions: dimensions}
}

// NewMemoryForTest creates a Memory config for testing purposes
func NewMemoryForTest(minSimilarity float64, deletedTTL time.Duration) *Memory {
	return &Memory{minSimilarity: minSimilarity, deletedTTL: deletedTTL, similarLimit: 3}
}

// NewLoggerForTest creates a Logger config for testing purposes
func NewLoggerForTest(level, format, output string) *Logger {
	return &Logger{level: level, format: format, output: output}
}

// NewStorageForTest creates a Storage config for testing purposes
func NewStorageForTest(dbPath, indexPath string) *Storage {
	return &Storage{dbPath: dbPath, indexPath: indexPath}
}
