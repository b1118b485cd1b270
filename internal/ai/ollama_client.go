package ai

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

type OllamaConfig struct {
	ServerURL string
	Model     string
}

// OllamaClient scores through a local Ollama server.
type OllamaClient struct {
	llm   llms.Model
	model string
}

var _ Scorer = (*OllamaClient)(nil)

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	model := cfg.Model
	if model == "" {
		model = "llama3.1"
	}

	opts := []ollama.Option{
		ollama.WithModel(model),
		ollama.WithHTTPClient(&http.Client{}),
		ollama.WithFormat("json"),
	}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	return &OllamaClient{llm: llm, model: model}, nil
}

func (c *OllamaClient) Score(ctx context.Context, prompt string, categories []string) (Score, error) {
	resp, err := c.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		llms.TextParts(llms.ChatMessageTypeSystem, categoriesLine(categories)),
		llms.TextParts(llms.ChatMessageTypeSystem, jsonGuard),
	}, llms.WithTemperature(0))
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("[ai] ollama error")
		return Score{}, err
	}

	if len(resp.Choices) == 0 {
		return Score{}, ErrEmptyResponse
	}

	raw := resp.Choices[0].Content
	log.Debug().Str("raw", short(raw)).Msg("[ai] ollama response")

	return ParseScore(raw)
}
