package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llmarena/internal/providers"
)

// Dialer builds a provider client for a key.
type Dialer interface {
	Dial(id providers.ID, apiKey string) (providers.Provider, error)
}

// ModelLister names the models a provider serves; the first one is used for
// probing.
type ModelLister interface {
	Models(id providers.ID) []string
}

// Tester checks a key with a minimal completion request.
type Tester struct {
	Dialer  Dialer
	Models  ModelLister
	Timeout time.Duration
}

var billingWords = []string{"billing", "payment", "credit", "insufficient_quota", "insufficient quota", "quota exceeded"}

// Test returns the status a key should be saved with. An error means the
// provider could not be reached or answered in a way that says nothing
// about the key.
func (t Tester) Test(ctx context.Context, id providers.ID, key string) (Status, error) {
	if strings.TrimSpace(key) == "" {
		return StatusMissing, nil
	}
	models := t.Models.Models(id)
	if len(models) == 0 {
		return "", fmt.Errorf("test key: provider %q has no models", id)
	}
	client, err := t.Dialer.Dial(id, key)
	if err != nil {
		return "", fmt.Errorf("test key: %w", err)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = client.Chat(ctx, providers.ChatRequest{Model: models[0], UserPrompt: "ping", MaxTokens: 1})
	if err == nil {
		return StatusConnected, nil
	}
	var se *providers.StatusError
	if !errors.As(err, &se) {
		return "", fmt.Errorf("test key: %w", err)
	}
	return classify(se)
}

func classify(se *providers.StatusError) (Status, error) {
	switch {
	case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
		return StatusInvalid, nil
	case se.Status == http.StatusPaymentRequired:
		return StatusPaymentRequired, nil
	case se.Status >= 400 && se.Status < 500:
		body := strings.ToLower(se.Body)
		for _, w := range billingWords {
			if strings.Contains(body, w) {
				return StatusPaymentRequired, nil
			}
		}
		// The key was accepted; the test request itself was rejected.
		if se.Status == http.StatusBadRequest || se.Status == http.StatusNotFound {
			return StatusConnected, nil
		}
	}
	return "", fmt.Errorf("test key: %w", se)
}
