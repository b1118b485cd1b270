package ai

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Scorer = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key not set")
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

func (c *OpenAIClient) Score(ctx context.Context, prompt string, categories []string) (Score, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
		{Role: openai.ChatMessageRoleSystem, Content: categoriesLine(categories)},
		// format guard goes last
		{Role: openai.ChatMessageRoleSystem, Content: jsonGuard},
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("[ai] openai error")
		return Score{}, err
	}

	if len(resp.Choices) == 0 {
		log.Warn().Str("model", c.model).Msg("[ai] empty choices")
		return Score{}, ErrEmptyResponse
	}

	raw := resp.Choices[0].Message.Content
	log.Debug().Str("raw", short(raw)).Msg("[ai] openai response")

	return ParseScore(raw)
}
