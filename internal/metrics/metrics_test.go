package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"llmarena/internal/apierror"
	"llmarena/internal/arena"
	"llmarena/internal/providers"
)

func TestObserveCallAndRun(t *testing.T) {
	m := Global()
	sel := arena.Selection{Provider: providers.Perplexity, Model: "sonar-small-chat"}
	start := time.Now()

	m.ObserveCall(sel, arena.Outcome{Status: arena.StatusSuccess, StartTime: start, EndTime: start.Add(time.Second)})
	m.ObserveCall(sel, arena.Failed(apierror.Unauthorized, apierror.MsgMissingKey))

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("perplexity", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("perplexity", "unauthorized")); got != 1 {
		t.Fatalf("expected 1 unauthorized, got %v", got)
	}

	m.ObserveRun(arena.RunResult{Results: []arena.Entry{
		{Provider: providers.Perplexity, Metrics: &arena.Metrics{Cost: 0.25}},
		{Provider: providers.Perplexity},
	}})
	if got := testutil.ToFloat64(m.CostUSD.WithLabelValues("perplexity")); got != 0.25 {
		t.Fatalf("expected 0.25 USD, got %v", got)
	}
}
