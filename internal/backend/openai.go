package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string // empty = api.openai.com
	Model          string
	EmbeddingModel string
}

// OpenAI implements Backend against the OpenAI API or a compatible server.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates a client. A missing API key is reported by Ready, not
// here, so the failure surfaces as a run precondition.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(conf), cfg: cfg}
}

// Ready fails when no API key is configured.
func (o *OpenAI) Ready() error {
	if o.cfg.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

// Complete sends a chat completion request and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     o.cfg.Model,
		MaxTokens: maxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices: %w", ErrGeneration)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("openai: empty content (finish reason %s): %w", resp.Choices[0].FinishReason, ErrGeneration)
	}
	return content, nil
}

// Embed returns the embedding of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response: %w", ErrEmbedding)
	}
	return toFloat64(resp.Data[0].Embedding), nil
}
