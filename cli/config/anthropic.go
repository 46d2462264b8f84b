package config

import (
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/transport/claude"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are Nim, a friendly assistant with memory.

Relevant messages from earlier conversations may be listed below. Use them
when they help answer the user, and say so when you rely on them. Ignore
them when they are unrelated.`

// Anthropic holds CLI flags for the Claude transport.
type Anthropic struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int64
	systemPrompt string
	memoryBudget int
}

// Flags returns CLI flags for Anthropic configuration
func (a *Anthropic) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &a.apiKey,
		},
		&cli.StringFlag{
			Name:        "anthropic-base-url",
			Usage:       "Override the Anthropic API endpoint",
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_ANTHROPIC_BASE_URL"),
			Destination: &a.baseURL,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Default Claude model",
			Value:       claude.DefaultConfig.Model,
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_MODEL"),
			Destination: &a.model,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "Maximum tokens per reply",
			Value:       claude.DefaultConfig.MaxTokens,
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_MAX_TOKENS"),
			Destination: &a.maxTokens,
		},
		&cli.StringFlag{
			Name:        "system-prompt",
			Usage:       "System prompt sent with every request",
			Value:       DefaultSystemPrompt,
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_SYSTEM_PROMPT"),
			Destination: &a.systemPrompt,
		},
		&cli.IntFlag{
			Name:        "memory-budget",
			Usage:       "Characters of similar past messages injected into the system prompt (0 disables)",
			Value:       claude.DefaultConfig.MemoryBudget,
			Category:    "Anthropic",
			Sources:     cli.EnvVars("NIM_CHAT_MEMORY_BUDGET"),
			Destination: &a.memoryBudget,
		},
	}
}

// LogAttrs returns log attributes for the Anthropic configuration. The API
// key itself is never logged.
func (a *Anthropic) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Bool("api_key_set", a.apiKey != ""),
		slog.String("base_url", a.baseURL),
		slog.String("model", a.model),
		slog.Int64("max_tokens", a.maxTokens),
		slog.Int("memory_budget", a.memoryBudget),
	}
}

// Configure creates the Claude transport client.
func (a *Anthropic) Configure() (*claude.Client, error) {
	if a.apiKey == "" {
		return nil, goerr.New("anthropic-api-key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(a.apiKey)}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	api := anthropic.NewClient(opts...)

	return claude.New(&api, claude.Config{
		Model:        a.model,
		MaxTokens:    a.maxTokens,
		SystemPrompt: a.systemPrompt,
		MemoryBudget: a.memoryBudget,
	}), nil
}
