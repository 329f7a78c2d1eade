package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"llmarena/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.perplexity.ai", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "llama-3.1-sonar-small-32k-chat",
		SystemPrompt: "You are concise",
		UserPrompt:   "hello",
		MaxTokens:    123,
		Temperature:  0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.perplexity.ai/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "llama-3.1-sonar-small-32k-chat" {
		t.Fatalf("unexpected model %#v", payload["model"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %#v", payload["messages"])
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4o", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestChatParsesUsageAndQuotaHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("x-ratelimit-remaining-tokens", "750")
		w.Header().Set("x-ratelimit-limit-tokens", "1000")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"recursion is..."}}],"usage":{"prompt_tokens":12,"completion_tokens":30}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o-mini", UserPrompt: "Explain recursion"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "recursion is..." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 30 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if resp.Quota == nil || resp.Quota.Remaining != 750 || resp.Quota.Limit != 1000 {
		t.Fatalf("unexpected quota %+v", resp.Quota)
	}
}

func TestChatReturnsStatusErrorWithoutRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model id"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "nope", UserPrompt: "hi"})

	var se *providers.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected status error, got %v", err)
	}
	if se.Status != http.StatusBadRequest || se.Body != `{"error":{"message":"bad model id"}}` {
		t.Fatalf("unexpected status error %+v", se)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one call, got %d", n)
	}
}

func TestChatRetriesTemporaryStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected two calls, got %d", n)
	}
}
