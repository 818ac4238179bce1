package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// vllmChatRequest extends the base Chat Completions request with the
// sampling knobs vLLM's OpenAI-compatible server accepts.
type vllmChatRequest struct {
	chatCompletionRequest
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// VLLMProvider implements the Provider interface for a vLLM OpenAI-compatible
// server.
type VLLMProvider struct {
	name          string
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	model         string
	topP          float64
	repeatPenalty float64
}

// NewVLLM creates a vLLM provider against endpoint's OpenAI-compatible API.
func NewVLLM(name, endpoint, model, apiKey string) *VLLMProvider {
	return &VLLMProvider{
		name:       name,
		baseURL:    strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		model:      model,
	}
}

func (p *VLLMProvider) Name() string { return p.name }

func (p *VLLMProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *VLLMProvider) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

func (p *VLLMProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	req := vllmChatRequest{
		chatCompletionRequest: chatCompletionRequest{
			Model:         p.model,
			Messages:      mergeSystemMessagesOpenAI(toOpenAIMessages(messages, opts.SystemPrompt)),
			Tools:         toOpenAITools(tools),
			Stream:        true,
			StreamOptions: &chatStreamOptions{IncludeUsage: true},
			MaxTokens:     opts.MaxTokens,
		},
		TopP:              p.topP,
		RepetitionPenalty: p.repeatPenalty,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/v1/chat/completions",
		body:     body,
		headers:  p.authHeaders(),
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

func (p *VLLMProvider) authHeaders() map[string]string {
	headers := make(map[string]string)
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers
}
