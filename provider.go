package codeassist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// LocalOption configures a LocalProvider.
type LocalOption func(*LocalProvider)

// WithLocalHTTPClient replaces the default HTTP client.
func WithLocalHTTPClient(client *http.Client) LocalOption {
	return func(p *LocalProvider) {
		p.httpClient = client
	}
}

// WithLocalLogger sets the logger used by the provider. Defaults to
// slog.Default.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(p *LocalProvider) {
		p.logger = logger
	}
}

// LocalProvider generates text against a llama.cpp-style HTTP server
// exposing a POST /completion endpoint. It speaks plain JSON and needs no
// API key, which suits models served on the same machine.
type LocalProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLocalProvider returns a provider calling baseURL/completion. A trailing
// slash on baseURL is tolerated.
func NewLocalProvider(baseURL string, options ...LocalOption) *LocalProvider {
	p := &LocalProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "local-provider")
	return p
}

type localCompletionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float32  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type localCompletionResponse struct {
	Content string `json:"content"`
}

// Generate implements GenerationProvider.
func (p *LocalProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	payload := localCompletionRequest{
		Prompt:      prompt,
		NPredict:    params.MaxTokens,
		Temperature: params.Temperature,
		Stop:        params.StopSequences,
	}
	if payload.NPredict <= 0 {
		payload.NPredict = 512
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	url := p.baseURL + "/completion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	p.logger.Debug("calling completion endpoint", slog.String("url", url))
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out localCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	return out.Content, nil
}

// OpenAIConfig carries the settings for an OpenAIProvider. BaseURL is
// optional and points the client at an OpenAI-compatible gateway such as a
// local vLLM or llama.cpp server in OpenAI mode.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAILogger sets the logger used by the provider. Defaults to
// slog.Default.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.logger = logger
	}
}

// OpenAIProvider generates text through the OpenAI chat-completion API or
// any server implementing it.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIProvider returns a provider for cfg. The model defaults to
// gpt-4o-mini when unset.
func NewOpenAIProvider(cfg OpenAIConfig, options ...OpenAIOption) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	p := &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "openai-provider")
	return p
}

// Generate implements GenerationProvider.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: params.Temperature,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if len(params.StopSequences) > 0 {
		req.Stop = params.StopSequences
	}

	p.logger.Debug("calling chat completion", slog.String("model", p.model))
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
