package registry

import (
	"fmt"
	"net/http"
	"time"

	"llmarena/internal/providers"
	"llmarena/internal/providers/anthropic_messages"
	"llmarena/internal/providers/gemini_generate"
	"llmarena/internal/providers/openai_compat"
)

const (
	ProtocolOpenAICompat      = "openai_compat"
	ProtocolAnthropicMessages = "anthropic_messages"
	ProtocolGeminiGenerate    = "gemini_generate"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch opts.Kind {
	case ProtocolOpenAICompat, "openai-compatible", "openai":
		endpoint := "chat_completions"
		if v, ok := opts.Config["endpoint"].(string); ok && v != "" {
			endpoint = v
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Endpoint:    endpoint,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case ProtocolAnthropicMessages, "anthropic":
		version := ""
		if v, ok := opts.Config["version"].(string); ok {
			version = v
		}
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Version:     version,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case ProtocolGeminiGenerate, "gemini":
		return gemini_generate.New(gemini_generate.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// Dialer builds provider clients from catalog metadata.
type Dialer struct {
	Catalog     *Catalog
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func (d Dialer) Dial(id providers.ID, apiKey string) (providers.Provider, error) {
	meta, ok := d.Catalog.Provider(id)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", id)
	}
	return Build(BuildOptions{
		Kind:        meta.Protocol,
		BaseURL:     meta.BaseURL,
		APIKey:      apiKey,
		Config:      meta.Options,
		HTTPClient:  d.HTTPClient,
		MaxRetries:  d.MaxRetries,
		BackoffBase: d.BackoffBase,
	})
}
