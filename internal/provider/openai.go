package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to an OpenAI-compatible Chat Completions endpoint.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI Chat Completions provider.
func NewOpenAI(name, apiKey, baseURL, model string) *OpenAIProvider {
	return &OpenAIProvider{name: name, apiKey: apiKey, baseURL: baseURL, model: model, httpClient: &http.Client{}}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	req := chatCompletionRequest{
		Model:         p.model,
		Messages:      toOpenAIMessages(messages, opts.SystemPrompt),
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
		Tools:         toOpenAITools(tools),
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      strings.TrimRight(p.baseURL, "/") + "/chat/completions",
		body:     body,
		headers:  headers,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer reader.Close()
		trySend(ctx, ch, Event{Kind: EventStart})
		parseOpenAIChatStream(ctx, reader, ch)
	}()
	return ch, nil
}

type chatCompletionRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Stream        bool                           `json:"stream"`
	StreamOptions *chatStreamOptions             `json:"stream_options,omitempty"`
	Tools         []openai.Tool                  `json:"tools,omitempty"`
	Temperature   *float64                       `json:"temperature,omitempty"`
	MaxTokens     int                            `json:"max_tokens,omitempty"`
}
