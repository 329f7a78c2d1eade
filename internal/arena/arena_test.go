package arena

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"llmarena/internal/apierror"
	"llmarena/internal/providers"
)

type fakeCatalog map[providers.ID][]string

func (c fakeCatalog) HasModel(id providers.ID, model string) bool {
	for _, m := range c[id] {
		if m == model {
			return true
		}
	}
	return false
}

var catalog = fakeCatalog{
	providers.OpenAI:    {"gpt-4o-mini", "gpt-4o"},
	providers.Anthropic: {"claude-3-5-haiku-20241022"},
}

func TestValidateRejectsInvalidShape(t *testing.T) {
	tests := []struct {
		name string
		req  RunRequest
	}{
		{"empty prompt", RunRequest{Prompt: "  \n", Selections: []Selection{{providers.OpenAI, "gpt-4o"}}}},
		{"no selections", RunRequest{Prompt: "hi"}},
		{"unknown provider", RunRequest{Prompt: "hi", Selections: []Selection{{"mistral", "large"}}}},
		{"unknown model", RunRequest{Prompt: "hi", Selections: []Selection{{providers.Anthropic, "gpt-4o"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.req.Validate(catalog); !errors.Is(err, apierror.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestValidateCollapsesDuplicates(t *testing.T) {
	req := RunRequest{Prompt: "hi", Selections: []Selection{
		{providers.OpenAI, "gpt-4o"},
		{providers.Anthropic, "claude-3-5-haiku-20241022"},
		{providers.OpenAI, " gpt-4o "},
		{providers.OpenAI, "gpt-4o-mini"},
	}}
	got, err := req.Validate(catalog)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := []Selection{
		{providers.OpenAI, "gpt-4o"},
		{providers.Anthropic, "claude-3-5-haiku-20241022"},
		{providers.OpenAI, "gpt-4o-mini"},
	}
	if !reflect.DeepEqual(got.Selections, want) {
		t.Fatalf("unexpected selections %+v", got.Selections)
	}
	if len(req.Selections) != 4 {
		t.Fatalf("input must not be modified")
	}
}

func TestResponseTimeNeverNegative(t *testing.T) {
	now := time.Now()
	o := Outcome{Status: StatusSuccess, StartTime: now, EndTime: now.Add(-time.Second)}
	if o.ResponseTimeMs() != 0 {
		t.Fatalf("expected 0, got %d", o.ResponseTimeMs())
	}
	o.EndTime = now.Add(1500 * time.Millisecond)
	if o.ResponseTimeMs() != 1500 {
		t.Fatalf("expected 1500, got %d", o.ResponseTimeMs())
	}
}

func TestRunResultJSONRoundTrip(t *testing.T) {
	start := Stamp(time.Now())
	left := 42.5
	run := RunResult{
		ID:        "run-1",
		CreatedAt: start,
		Prompt:    "Explain recursion",
		Results: []Entry{
			{
				Provider: providers.OpenAI,
				Model:    "gpt-4o-mini",
				Outcome: Outcome{
					Status: StatusSuccess, Text: "a function calling itself",
					TokensIn: 10, TokensOut: 20,
					StartTime: start, EndTime: start.Add(800 * time.Millisecond),
					ReportedQuota: &left,
				},
				Metrics: &Metrics{ResponseTimeMs: 800, Cost: 0.002, PricingKnown: true, LeftPercent: 99.5, Fastest: true, Cheapest: true},
			},
			{
				Provider: providers.Anthropic,
				Model:    "claude-3-5-haiku-20241022",
				Outcome:  Failed(apierror.Unauthorized, apierror.MsgUnauthorized),
			},
		},
	}

	raw, err := json.Marshal(run)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back RunResult
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(run, back) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", run, back)
	}
}

func TestCloneIsDeep(t *testing.T) {
	run := RunResult{ID: "r", Results: []Entry{{Provider: providers.OpenAI, Metrics: &Metrics{Cost: 1}}}}
	cp := run.Clone()
	cp.Results[0].Metrics.Cost = 2
	cp.Results[0].Model = "changed"
	if run.Results[0].Metrics.Cost != 1 || run.Results[0].Model != "" {
		t.Fatalf("clone shares state with original")
	}
}
