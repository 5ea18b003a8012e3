package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Ollama implements Backend via the Ollama HTTP API.
type Ollama struct {
	URL            string
	Model          string
	EmbeddingModel string
	Client         *http.Client
}

func (o *Ollama) httpClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

// Ready fails when no server URL or model is configured. A local server
// needs no credential.
func (o *Ollama) Ready() error {
	if o.URL == "" || o.Model == "" {
		return fmt.Errorf("ollama: url and model are required: %w", ErrMissingCredential)
	}
	return nil
}

func (o *Ollama) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.URL, "/")+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return body, nil
}

// Complete sends a chat request and returns the trimmed response text.
func (o *Ollama) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	payload := map[string]any{
		"model":    o.Model,
		"messages": messages,
		"stream":   false,
	}
	if maxTokens > 0 {
		payload["options"] = map[string]any{"num_predict": maxTokens}
	}

	body, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	content := strings.TrimSpace(result.Message.Content)
	if content == "" {
		return "", fmt.Errorf("ollama: empty response: %w", ErrGeneration)
	}
	return content, nil
}

// Embed sends text to Ollama's embedding endpoint.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float64, error) {
	model := o.EmbeddingModel
	if model == "" {
		model = "nomic-embed-text"
	}

	body, err := o.post(ctx, "/api/embed", map[string]any{
		"model": model,
		"input": []string{text},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse ollama embed response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding: %w", ErrEmbedding)
	}
	return result.Embeddings[0], nil
}

// EnsureModels checks that the generation and embedding models exist on the
// server, pulling any that are missing.
func (o *Ollama) EnsureModels(ctx context.Context) error {
	models := []string{o.Model}
	if o.EmbeddingModel != "" && o.EmbeddingModel != o.Model {
		models = append(models, o.EmbeddingModel)
	}
	for _, m := range models {
		if err := o.ensureModel(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (o *Ollama) ensureModel(ctx context.Context, model string) error {
	_, err := o.post(ctx, "/api/show", map[string]string{"name": model})
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "returned 404") {
		return fmt.Errorf("ollama unreachable: %w", err)
	}

	slog.Info("pulling ollama model (this may take a while)", "model", model)
	if _, err := o.post(ctx, "/api/pull", map[string]any{"name": model, "stream": false}); err != nil {
		return fmt.Errorf("ollama pull %s: %w", model, err)
	}
	slog.Info("ollama model pulled successfully", "model", model)
	return nil
}
