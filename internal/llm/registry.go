package llm

import "fmt"

// ProviderOptions carries the settings shared by every provider
// constructor.
type ProviderOptions struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewProvider builds a provider by name. Supported names: "anthropic",
// "openai".
func NewProvider(name string, opts ProviderOptions) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
}
