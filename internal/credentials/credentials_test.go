package credentials

import (
	"context"
	"errors"
	"testing"

	"llmarena/internal/providers"
)

func TestMemoryStatusDefaultsToMissing(t *testing.T) {
	m := NewMemory()
	st, err := m.Status(context.Background(), "acct", providers.Gemini)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != StatusMissing || st.Provider != providers.Gemini {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := m.APIKey(context.Background(), "acct", providers.Gemini); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySaveKeepsOneRecordPerProvider(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, err := m.SaveKey(ctx, "acct", providers.OpenAI, "sk-aaaa1111", StatusConnected)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := m.SaveKey(ctx, "acct", providers.OpenAI, "sk-bbbb2222", StatusPaymentRequired)
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("expected stable record id, got %q and %q", first.ID, second.ID)
	}
	if second.Masked != "****2222" {
		t.Fatalf("unexpected mask %q", second.Masked)
	}
	key, err := m.APIKey(ctx, "acct", providers.OpenAI)
	if err != nil || key != "sk-bbbb2222" {
		t.Fatalf("expected latest key, got %q %v", key, err)
	}

	list, err := m.List(ctx, "acct")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(providers.All()) {
		t.Fatalf("expected one status per provider, got %d", len(list))
	}
	if list[0].Provider != providers.OpenAI || list[0].Status != StatusPaymentRequired {
		t.Fatalf("unexpected first status %+v", list[0])
	}

	other, _ := m.Status(ctx, "someone-else", providers.OpenAI)
	if other.Status != StatusMissing {
		t.Fatalf("keys must be scoped per account")
	}
}

func TestDispatchable(t *testing.T) {
	cases := map[Status]bool{
		StatusMissing:         false,
		StatusInvalid:         false,
		StatusConnected:       true,
		StatusPaymentRequired: true,
	}
	for st, want := range cases {
		if st.Dispatchable() != want {
			t.Fatalf("%s: expected %v", st, want)
		}
	}
}

type stubProvider struct{ err error }

func (s stubProvider) Chat(context.Context, providers.ChatRequest) (providers.ChatResponse, error) {
	return providers.ChatResponse{Text: "pong"}, s.err
}

type stubDialer struct{ err error }

func (d stubDialer) Dial(providers.ID, string) (providers.Provider, error) {
	return stubProvider{err: d.err}, nil
}

type stubModels struct{}

func (stubModels) Models(providers.ID) []string { return []string{"m"} }

func TestTesterClassifiesResponses(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    Status
		wantErr bool
	}{
		{"ok", nil, StatusConnected, false},
		{"unauthorized", &providers.StatusError{Status: 401}, StatusInvalid, false},
		{"forbidden", &providers.StatusError{Status: 403}, StatusInvalid, false},
		{"payment", &providers.StatusError{Status: 402}, StatusPaymentRequired, false},
		{"insufficient quota", &providers.StatusError{Status: 429, Body: `{"error":{"code":"insufficient_quota"}}`}, StatusPaymentRequired, false},
		{"billing 400", &providers.StatusError{Status: 400, Body: "Your credit balance is too low"}, StatusPaymentRequired, false},
		{"test request rejected", &providers.StatusError{Status: 400, Body: "max_tokens too small"}, StatusConnected, false},
		{"plain rate limit", &providers.StatusError{Status: 429, Body: "slow down"}, "", true},
		{"server error", &providers.StatusError{Status: 502}, "", true},
		{"network", errors.New("connection refused"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tester := Tester{Dialer: stubDialer{err: tt.err}, Models: stubModels{}}
			got, err := tester.Test(context.Background(), providers.OpenAI, "sk-test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTesterEmptyKeyIsMissing(t *testing.T) {
	tester := Tester{Dialer: stubDialer{}, Models: stubModels{}}
	got, err := tester.Test(context.Background(), providers.OpenAI, "  ")
	if err != nil || got != StatusMissing {
		t.Fatalf("expected missing, got %q %v", got, err)
	}
}
