package gemini_generate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"llmarena/internal/providers"
)

func TestChatGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"A function "},{"text":"calling itself."}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":7}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1beta", APIKey: "g-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-1.5-flash", UserPrompt: "Explain recursion"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "A function calling itself." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"models/gemini-9 is not found","status":"NOT_FOUND"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-9", UserPrompt: "hi"})
	var se *providers.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
}
