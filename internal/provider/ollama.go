package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server's OpenAI-compatible
// Chat Completions endpoint.
type OllamaProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	model      string
}

// NewOllama creates an Ollama provider against endpoint (e.g.
// "http://localhost:11434").
func NewOllama(name, endpoint, model string) *OllamaProvider {
	return &OllamaProvider{
		name:       name,
		baseURL:    strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		model:      model,
	}
}

func (p *OllamaProvider) Name() string { return p.name }

func (p *OllamaProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	req := chatCompletionRequest{
		Model:         p.model,
		Messages:      mergeSystemMessagesOpenAI(toOpenAIMessages(messages, opts.SystemPrompt)),
		Tools:         toOpenAITools(tools),
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
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

func (p *OllamaProvider) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var listResp ollamaListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}

	models := make([]Model, len(listResp.Models))
	for i, m := range listResp.Models {
		models[i] = Model{Name: m.Name, SupportsTool: true}
	}
	return models, nil
}

type ollamaListResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
}
