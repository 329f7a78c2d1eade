package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ID names one provider from the closed set the engine knows how to call.
type ID string

const (
	OpenAI     ID = "openai"
	OpenAIMini ID = "openai-mini"
	Anthropic  ID = "anthropic"
	Gemini     ID = "gemini"
	Perplexity ID = "perplexity"
)

var allIDs = []ID{OpenAI, OpenAIMini, Anthropic, Gemini, Perplexity}

// All returns every known provider id in display order.
func All() []ID {
	out := make([]ID, len(allIDs))
	copy(out, allIDs)
	return out
}

func (id ID) Valid() bool {
	for _, known := range allIDs {
		if id == known {
			return true
		}
	}
	return false
}

func (id ID) String() string { return string(id) }

func ParseID(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if !id.Valid() {
		return "", fmt.Errorf("unknown provider %q", raw)
	}
	return id, nil
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

type ChatResponse struct {
	Text  string
	Usage Usage
	// Quota is set when the provider reported its remaining token budget.
	Quota *QuotaReport
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StatusError is returned by provider clients when the upstream answered with
// a non-2xx status. Body holds the (size limited) raw response body.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d", e.Status)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
