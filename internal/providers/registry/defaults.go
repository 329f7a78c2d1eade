package registry

import (
	"time"

	"llmarena/internal/providers"
)

func priced(name string, inPerM, outPerM float64) ModelSpec {
	p := perMillion(inPerM, outPerM)
	return ModelSpec{Name: name, Pricing: &p}
}

func unpriced(names ...string) []ModelSpec {
	out := make([]ModelSpec, 0, len(names))
	for _, n := range names {
		out = append(out, ModelSpec{Name: n})
	}
	return out
}

func models(groups ...[]ModelSpec) []ModelSpec {
	var out []ModelSpec
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Default returns the built-in catalog. Prices are list prices in USD per
// million tokens at the time they were recorded; models without a price are
// still callable and report zero cost.
func Default() *Catalog {
	openaiMini := []ModelSpec{
		priced("gpt-4o-mini", 0.15, 0.6),
		priced("gpt-4o-mini-2024-07-18", 0.15, 0.6),
	}
	return New(
		ProviderSpec{
			Meta: ProviderMeta{
				ID:       providers.OpenAI,
				Label:    "OpenAI",
				Blurb:    "GPT family chat completions.",
				KeyURL:   "https://platform.openai.com/api-keys",
				Protocol: ProtocolOpenAICompat,
				BaseURL:  "https://api.openai.com/v1",
				Deadline: 60 * time.Second,
			},
			Models: models(
				[]ModelSpec{
					priced("gpt-3.5-turbo", 0.5, 1.5),
					priced("gpt-3.5-turbo-0125", 0.5, 1.5),
					priced("gpt-3.5-turbo-1106", 1, 2),
					priced("gpt-3.5-turbo-16k", 3, 4),
					priced("gpt-3.5-turbo-0613", 1.5, 2),
					priced("gpt-4", 30, 60),
					priced("gpt-4-0613", 30, 60),
					priced("gpt-4-32k", 60, 120),
					priced("gpt-4-32k-0613", 60, 120),
					priced("gpt-4-turbo", 10, 30),
					priced("gpt-4-turbo-2024-04-09", 10, 30),
					priced("gpt-4-turbo-preview", 10, 30),
					priced("gpt-4-0125-preview", 10, 30),
					priced("gpt-4-1106-preview", 10, 30),
					priced("gpt-4o", 2.5, 10),
					priced("gpt-4o-2024-08-06", 2.5, 10),
					priced("gpt-4o-2024-05-13", 5, 15),
				},
				openaiMini,
			),
		},
		ProviderSpec{
			Meta: ProviderMeta{
				ID:       providers.OpenAIMini,
				Label:    "OpenAI Mini",
				Blurb:    "Low-cost GPT-4o mini tier on the OpenAI API.",
				KeyURL:   "https://platform.openai.com/api-keys",
				Protocol: ProtocolOpenAICompat,
				BaseURL:  "https://api.openai.com/v1",
				Deadline: 30 * time.Second,
			},
			Models: openaiMini,
		},
		ProviderSpec{
			Meta: ProviderMeta{
				ID:       providers.Anthropic,
				Label:    "Anthropic",
				Blurb:    "Claude models via the Messages API.",
				KeyURL:   "https://console.anthropic.com/settings/keys",
				Protocol: ProtocolAnthropicMessages,
				BaseURL:  "https://api.anthropic.com",
				Deadline: 60 * time.Second,
			},
			Models: []ModelSpec{
				priced("claude-instant-1.2", 0.8, 2.4),
				priced("claude-2.0", 8, 24),
				priced("claude-2.1", 8, 24),
				priced("claude-3-haiku-20240307", 0.25, 1.25),
				priced("claude-3-sonnet-20240229", 3, 15),
				priced("claude-3-opus-20240229", 15, 75),
				priced("claude-3-5-haiku-20241022", 0.8, 4),
				priced("claude-3-5-sonnet-20241022", 3, 15),
				priced("claude-3-5-sonnet-20240620", 3, 15),
			},
		},
		ProviderSpec{
			Meta: ProviderMeta{
				ID:       providers.Gemini,
				Label:    "Google Gemini",
				Blurb:    "Gemini and Gemma models via generateContent.",
				KeyURL:   "https://aistudio.google.com/app/apikey",
				Protocol: ProtocolGeminiGenerate,
				BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
				Deadline: 60 * time.Second,
			},
			Models: models(
				[]ModelSpec{
					priced("gemini-pro", 0.5, 1.5),
					priced("gemini-1.0-pro", 0.5, 1.5),
					priced("gemini-1.5-pro", 1.25, 5),
					priced("gemini-1.5-pro-latest", 1.25, 5),
					priced("gemini-1.5-flash", 0.075, 0.3),
					priced("gemini-1.5-flash-latest", 0.075, 0.3),
					priced("gemini-2.0-flash", 0.1, 0.4),
					priced("gemini-2.0-flash-lite", 0.075, 0.3),
					priced("gemini-2.5-flash", 0.3, 2.5),
					priced("gemini-2.5-flash-lite", 0.1, 0.4),
					priced("gemini-2.5-pro", 1.25, 10),
				},
				unpriced(
					"gemini-pro-vision",
					"gemini-1.0-pro-latest",
					"gemini-2.0-flash-live",
					"gemini-2.0-flash-exp",
					"gemini-2.5-flash-live",
					"gemini-2.5-flash-tts",
					"gemini-2.5-flash-native-audio-dialog",
					"gemini-3-pro",
					"gemini-robotics-er-1.5-preview",
					"gemma-3-1b",
					"gemma-3-2b",
					"gemma-3-4b",
					"gemma-3-12b",
					"gemma-3-27b",
					"learnlm-2.0-flash-experimental",
				),
			),
		},
		ProviderSpec{
			Meta: ProviderMeta{
				ID:       providers.Perplexity,
				Label:    "Perplexity",
				Blurb:    "Sonar models with optional live web search.",
				KeyURL:   "https://www.perplexity.ai/settings/api",
				Protocol: ProtocolOpenAICompat,
				BaseURL:  "https://api.perplexity.ai",
				Deadline: 45 * time.Second,
			},
			Models: models(
				[]ModelSpec{
					priced("llama-3.1-sonar-small-32k-online", 0.2, 0.2),
					priced("llama-3.1-sonar-small-32k-chat", 0.2, 0.2),
					priced("llama-3.1-sonar-large-32k-online", 1, 1),
					priced("llama-3.1-sonar-large-32k-chat", 1, 1),
				},
				unpriced(
					"sonar-small-online",
					"sonar-medium-online",
					"sonar-large-online",
					"sonar-small-chat",
					"sonar-medium-chat",
					"sonar-large-chat",
				),
			),
		},
	)
}
