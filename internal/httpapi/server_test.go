package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmarena/internal/aggregator"
	"llmarena/internal/arena"
	"llmarena/internal/credentials"
	"llmarena/internal/engine"
	"llmarena/internal/history"
	"llmarena/internal/orchestrator"
	"llmarena/internal/providers"
	"llmarena/internal/providers/registry"
	"llmarena/internal/queue"
	"llmarena/internal/quota"
)

type echoDialer struct{}

func (echoDialer) Dial(providers.ID, string) (providers.Provider, error) {
	return echoProvider{}, nil
}

type echoProvider struct{}

func (echoProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	return providers.ChatResponse{Text: "echo: " + req.UserPrompt, Usage: providers.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

type fixedTester struct {
	status credentials.Status
	err    error
}

func (t fixedTester) Test(context.Context, providers.ID, string) (credentials.Status, error) {
	return t.status, t.err
}

type captureQueue struct {
	jobs []queue.RunJob
}

func (q *captureQueue) Enqueue(_ context.Context, job queue.RunJob) (queue.RunJob, error) {
	job.JobID = "job-1"
	job.RunID = "run-async"
	q.jobs = append(q.jobs, job)
	return job, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, time.Time) (bool, int64, time.Time, error) {
	return false, 30, time.Now().Add(time.Hour), nil
}

type fixture struct {
	srv     *httptest.Server
	creds   *credentials.Memory
	history *history.Memory
	quota   *quota.Memory
	queue   *captureQueue
}

func newFixture(t *testing.T, limiter engine.Limiter, tester KeyTester) fixture {
	t.Helper()
	price := registry.Pricing{InputPerToken: 1e-6, OutputPerToken: 2e-6}
	catalog := registry.New(
		registry.ProviderSpec{
			Meta:   registry.ProviderMeta{ID: providers.OpenAI, Label: "OpenAI", Protocol: registry.ProtocolOpenAICompat, Deadline: time.Second},
			Models: []registry.ModelSpec{{Name: "gpt-4o-mini", Pricing: &price}, {Name: "gpt-4o"}},
		},
		registry.ProviderSpec{
			Meta:   registry.ProviderMeta{ID: providers.Gemini, Label: "Google Gemini", Protocol: registry.ProtocolGeminiGenerate, Deadline: time.Second},
			Models: []registry.ModelSpec{{Name: "gemini-2.0-flash"}},
		},
	)
	creds := credentials.NewMemory()
	hist := history.NewMemory()
	q := quota.NewMemory()
	eng := engine.New(engine.Config{
		Orchestrator: orchestrator.New(orchestrator.Config{Catalog: catalog, Dialer: echoDialer{}, Logger: zerolog.Nop()}),
		Aggregator:   aggregator.New(aggregator.Config{Pricer: catalog, Quota: q}),
		History:      hist,
		Credentials:  creds,
		Catalog:      catalog,
		Limiter:      limiter,
		Logger:       zerolog.Nop(),
	})
	cq := &captureQueue{}
	s := New(Config{
		Engine:  eng,
		Catalog: catalog,
		Keys:    creds,
		Tester:  tester,
		History: hist,
		Quota:   q,
		Queue:   cq,
		Logger:  zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, creds: creds, history: hist, quota: q, queue: cq}
}

func (f fixture) do(t *testing.T, method, path, account, session, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if account != "" {
		req.Header.Set(HeaderAccount, account)
	}
	if session != "" {
		req.Header.Set(HeaderSession, session)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

const runBody = `{"prompt":"Explain recursion","selections":[{"provider":"openai","model":"gpt-4o-mini"},{"provider":"gemini","model":"gemini-2.0-flash"}]}`

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	resp := f.do(t, http.MethodGet, "/healthz", "", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestListProvidersAndModels(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})

	resp := f.do(t, http.MethodGet, "/v1/providers", "", "", "")
	var list struct {
		Providers []struct {
			ID         string `json:"id"`
			Label      string `json:"label"`
			DeadlineMs int64  `json:"deadline_ms"`
		} `json:"providers"`
	}
	decodeBody(t, resp, &list)
	if len(list.Providers) != 2 || list.Providers[0].ID != "openai" || list.Providers[0].DeadlineMs != 1000 {
		t.Fatalf("unexpected providers %+v", list.Providers)
	}

	resp = f.do(t, http.MethodGet, "/v1/providers/openai/models", "", "", "")
	var models struct {
		Models []struct {
			Name    string            `json:"name"`
			Pricing *registry.Pricing `json:"pricing"`
		} `json:"models"`
	}
	decodeBody(t, resp, &models)
	if len(models.Models) != 2 || models.Models[0].Pricing == nil || models.Models[1].Pricing != nil {
		t.Fatalf("unexpected models %+v", models.Models)
	}

	resp = f.do(t, http.MethodGet, "/v1/providers/mistral/models", "", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", resp.StatusCode)
	}
}

func TestKeysRequireAccount(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	resp := f.do(t, http.MethodGet, "/v1/keys", "", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPutKeyTestsThenSaves(t *testing.T) {
	f := newFixture(t, nil, fixedTester{status: credentials.StatusPaymentRequired})

	resp := f.do(t, http.MethodPut, "/v1/keys/openai", "acct", "", `{"api_key":"sk-abcdef1234"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var saved credentials.KeyStatus
	decodeBody(t, resp, &saved)
	if saved.Status != credentials.StatusPaymentRequired || saved.Masked != "****1234" {
		t.Fatalf("unexpected saved status %+v", saved)
	}

	key, err := f.creds.APIKey(context.Background(), "acct", providers.OpenAI)
	if err != nil || key != "sk-abcdef1234" {
		t.Fatalf("key not stored: %q %v", key, err)
	}

	resp = f.do(t, http.MethodGet, "/v1/keys", "acct", "", "")
	var list struct {
		Keys []credentials.KeyStatus `json:"keys"`
	}
	decodeBody(t, resp, &list)
	if len(list.Keys) != len(providers.All()) {
		t.Fatalf("expected a status per provider, got %d", len(list.Keys))
	}
	for _, k := range list.Keys {
		if strings.Contains(k.Masked, "abcdef") {
			t.Fatalf("key leaked in listing: %+v", k)
		}
	}
}

func TestPutKeyTesterFailureDoesNotSave(t *testing.T) {
	f := newFixture(t, nil, fixedTester{err: errors.New("dial tcp: connection refused")})

	resp := f.do(t, http.MethodPut, "/v1/keys/openai", "acct", "", `{"api_key":"sk-abcdef1234"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	st, _ := f.creds.Status(context.Background(), "acct", providers.OpenAI)
	if st.Status != credentials.StatusMissing {
		t.Fatalf("key should not be saved, got %+v", st)
	}
}

func TestCreateRunRecordsHistory(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	ctx := context.Background()
	if _, err := f.creds.SaveKey(ctx, "acct", providers.OpenAI, "sk-1", credentials.StatusConnected); err != nil {
		t.Fatalf("save key: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/v1/runs", "acct", "", runBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	session := resp.Header.Get(HeaderSession)
	if session == "" {
		t.Fatalf("session id was not echoed")
	}
	var run arena.RunResult
	decodeBody(t, resp, &run)
	if len(run.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(run.Results))
	}
	if !run.Results[0].Outcome.OK() || run.Results[0].Metrics == nil || !run.Results[0].Metrics.Fastest {
		t.Fatalf("openai entry should succeed with metrics: %+v", run.Results[0])
	}
	if run.Results[1].Outcome.OK() || run.Results[1].Metrics != nil {
		t.Fatalf("gemini entry should fail without metrics: %+v", run.Results[1])
	}

	resp = f.do(t, http.MethodGet, "/v1/sessions/"+session+"/runs/"+run.ID, "", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected stored run, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/sessions/"+session+"/runs", "", "", "")
	var h arena.SessionHistory
	decodeBody(t, resp, &h)
	if h.ID != session || len(h.Runs) != 1 || h.Runs[0].ID != run.ID {
		t.Fatalf("unexpected session history %+v", h)
	}

	resp = f.do(t, http.MethodGet, "/v1/quota/openai", "acct", "", "")
	var series struct {
		Points []arena.QuotaPoint `json:"points"`
	}
	decodeBody(t, resp, &series)
	if len(series.Points) != 1 || series.Points[0].Tokens != 30 {
		t.Fatalf("unexpected quota series %+v", series.Points)
	}
}

func TestCreateRunReusesSessionHeader(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/v1/runs", "acct", "s-1", runBody)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("run %d: expected 200, got %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get(HeaderSession); got != "s-1" {
			t.Fatalf("expected session header s-1, got %q", got)
		}
	}
	runs, err := f.history.List(context.Background(), "s-1")
	if err != nil || len(runs) != 2 {
		t.Fatalf("expected two runs in session, got %d (%v)", len(runs), err)
	}

	resp := f.do(t, http.MethodGet, "/v1/sessions", "", "", "")
	var list struct {
		Sessions []arena.SessionSummary `json:"sessions"`
	}
	decodeBody(t, resp, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].RunCount != 2 {
		t.Fatalf("unexpected sessions %+v", list.Sessions)
	}
}

func TestCreateRunInvalidRequest(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	cases := map[string]string{
		"empty prompt":  `{"prompt":"  ","selections":[{"provider":"openai","model":"gpt-4o"}]}`,
		"no selections": `{"prompt":"hi","selections":[]}`,
		"unknown model": `{"prompt":"hi","selections":[{"provider":"openai","model":"gpt-9"}]}`,
		"malformed":     `{"prompt":`,
	}
	for name, body := range cases {
		resp := f.do(t, http.MethodPost, "/v1/runs", "acct", "s-1", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
	if runs, _ := f.history.List(context.Background(), "s-1"); len(runs) != 0 {
		t.Fatalf("invalid requests must not be recorded")
	}
}

func TestCreateRunRateLimited(t *testing.T) {
	f := newFixture(t, denyAll{}, fixedTester{})
	resp := f.do(t, http.MethodPost, "/v1/runs", "acct", "", runBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestCreateRunAsyncEnqueues(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	resp := f.do(t, http.MethodPost, "/v1/runs?async=true", "acct", "s-async", runBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["run_id"] != "run-async" || out["session_id"] != "s-async" {
		t.Fatalf("unexpected async response %+v", out)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].Account != "acct" || len(f.queue.jobs[0].Request.Selections) != 2 {
		t.Fatalf("unexpected queued jobs %+v", f.queue.jobs)
	}
	if runs, _ := f.history.List(context.Background(), "s-async"); len(runs) != 0 {
		t.Fatalf("async run must not execute inline")
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t, nil, fixedTester{})
	resp := f.do(t, http.MethodGet, "/v1/sessions/nope/runs/nope", "", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/v1/sessions/nope/runs", "", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestCreateRunValidatesBeforeRateLimit(t *testing.T) {
	f := newFixture(t, denyAll{}, fixedTester{})
	resp := f.do(t, http.MethodPost, "/v1/runs", "acct", "", `{"prompt":"hi","selections":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 ahead of the limiter, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/v1/runs?async=true", "acct", "", `{"prompt":"hi","selections":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for async, got %d", resp.StatusCode)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("invalid async run must not be queued")
	}
}
