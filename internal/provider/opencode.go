package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenCodeProvider relays through an OpenCode-Zen-compatible gateway that
// fronts several upstream models, each pinned to whichever of its three
// endpoint families (chat completions, Anthropic messages, OpenAI
// responses) that upstream actually implements.
type OpenCodeProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	model      string
}

const (
	opencodeChatCompletionsEndpoint = "/chat/completions"
	opencodeMessagesEndpoint        = "/messages"
	opencodeResponsesEndpoint       = "/responses"
)

// opencodeModelEndpoints pins specific upstream models to the endpoint
// family that is known to work for them, overriding the generic
// prefix-based routing in opencodeEndpointForModel.
var opencodeModelEndpoints = map[string]string{
	"big-pickle":                 opencodeChatCompletionsEndpoint,
	"glm-4.7-free":               opencodeChatCompletionsEndpoint,
	"gpt-5-nano":                 opencodeChatCompletionsEndpoint, // docs say /responses; that 500s
	"kimi-k2.5-free":             opencodeChatCompletionsEndpoint,
	"minimax-m2.1-free":          opencodeMessagesEndpoint,
	"trinity-large-preview-free": opencodeChatCompletionsEndpoint,
}

// NewOpenCode creates an OpenCode-Zen-compatible relay provider.
func NewOpenCode(name, endpoint, model, apiKey string) *OpenCodeProvider {
	return &OpenCodeProvider{
		name:       name,
		baseURL:    strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		model:      model,
	}
}

func (p *OpenCodeProvider) Name() string { return p.name }

func (p *OpenCodeProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *OpenCodeProvider) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }

func (p *OpenCodeProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	endpoint := opencodeEndpointForModel(p.model)
	if endpoint != opencodeChatCompletionsEndpoint {
		return nil, fmt.Errorf("opencode model %q only supports the %s endpoint, not streaming chat completions", p.model, endpoint)
	}

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

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + endpoint,
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

// opencodeEndpointForModel resolves the endpoint family for a given
// upstream model, preferring the explicit override map and falling back to
// a family guess from the model name's prefix.
func opencodeEndpointForModel(model string) string {
	if endpoint, ok := opencodeModelEndpoints[model]; ok {
		return endpoint
	}
	switch {
	case strings.HasPrefix(model, "gpt-"):
		return opencodeResponsesEndpoint
	case strings.HasPrefix(model, "claude-"):
		return opencodeMessagesEndpoint
	default:
		return opencodeChatCompletionsEndpoint
	}
}
