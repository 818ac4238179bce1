package provider

// OllamaFactory constructs OllamaProvider instances for the Registry.
type OllamaFactory struct {
	name     string
	endpoint string
}

func NewOllamaFactory(name, endpoint string) *OllamaFactory {
	return &OllamaFactory{name: name, endpoint: endpoint}
}

func (f *OllamaFactory) Name() string { return f.name }

func (f *OllamaFactory) Create(model string, opts map[string]string) (Provider, error) {
	return NewOllama(f.name, f.endpoint, model), nil
}

// VLLMFactory constructs VLLMProvider instances for the Registry.
type VLLMFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewVLLMFactory(name, endpoint, apiKey string) *VLLMFactory {
	return &VLLMFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *VLLMFactory) Name() string { return f.name }

func (f *VLLMFactory) Create(model string, opts map[string]string) (Provider, error) {
	return NewVLLM(f.name, f.endpoint, model, f.apiKey), nil
}

// OpenAIFactory constructs OpenAIProvider instances for the Registry.
type OpenAIFactory struct {
	name    string
	baseURL string
	apiKey  string
}

func NewOpenAIFactory(name, baseURL, apiKey string) *OpenAIFactory {
	return &OpenAIFactory{name: name, baseURL: baseURL, apiKey: apiKey}
}

func (f *OpenAIFactory) Name() string { return f.name }

func (f *OpenAIFactory) Create(model string, opts map[string]string) (Provider, error) {
	baseURL := f.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return NewOpenAI(f.name, f.apiKey, baseURL, model), nil
}

// OpenCodeFactory constructs OpenCodeProvider instances for the Registry.
type OpenCodeFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewOpenCodeFactory(name, endpoint, apiKey string) *OpenCodeFactory {
	return &OpenCodeFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *OpenCodeFactory) Name() string { return f.name }

func (f *OpenCodeFactory) Create(model string, opts map[string]string) (Provider, error) {
	return NewOpenCode(f.name, f.endpoint, model, f.apiKey), nil
}

// AnthropicFactory constructs AnthropicProvider instances for the Registry.
type AnthropicFactory struct {
	name   string
	apiKey string
}

func NewAnthropicFactory(name, apiKey string) *AnthropicFactory {
	return &AnthropicFactory{name: name, apiKey: apiKey}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts map[string]string) (Provider, error) {
	return NewAnthropic(f.name, f.apiKey, model), nil
}
