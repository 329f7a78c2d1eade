// Package aggregator derives comparative metrics for a completed run and
// extends each provider's quota series.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"llmarena/internal/arena"
	"llmarena/internal/providers"
	"llmarena/internal/providers/registry"
	"llmarena/internal/quota"
)

type Pricer interface {
	Pricing(id providers.ID, model string) (registry.Pricing, bool)
}

type Config struct {
	Pricer Pricer
	Quota  quota.Store
	// Ceilings is the token budget per provider. Providers without one fall
	// back to the provider-reported percentage, or 100.
	Ceilings map[providers.ID]int64
	Logger   zerolog.Logger
}

type Aggregator struct {
	cfg Config
	// mu serializes quota updates so each run reads the tail it extends.
	mu sync.Mutex
}

func New(cfg Config) *Aggregator {
	if cfg.Quota == nil {
		cfg.Quota = quota.NewMemory()
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate returns an enriched copy of run. The input is left untouched.
// Quota points for all successful calls are appended in one store call.
func (a *Aggregator) Aggregate(ctx context.Context, account string, run arena.RunResult) (arena.RunResult, error) {
	out := run.Clone()

	var ok []int
	for i := range out.Results {
		e := &out.Results[i]
		e.Metrics = nil
		if !e.Outcome.OK() {
			continue
		}
		ok = append(ok, i)
		e.Metrics = a.price(e)
	}
	flag(out.Results, ok)

	a.mu.Lock()
	defer a.mu.Unlock()

	samples, err := a.quotaSamples(ctx, account, out.Results, ok)
	if err != nil {
		return arena.RunResult{}, err
	}
	if err := a.cfg.Quota.Append(ctx, account, samples); err != nil {
		return arena.RunResult{}, fmt.Errorf("append quota: %w", err)
	}
	return out, nil
}

func (a *Aggregator) price(e *arena.Entry) *arena.Metrics {
	m := &arena.Metrics{ResponseTimeMs: e.Outcome.ResponseTimeMs()}
	var p registry.Pricing
	if a.cfg.Pricer != nil {
		p, m.PricingKnown = a.cfg.Pricer.Pricing(e.Provider, e.Model)
	}
	if !m.PricingKnown {
		m.Caveat = arena.CaveatPricingUnavailable
		a.cfg.Logger.Debug().Str("provider", e.Provider.String()).Str("model", e.Model).Msg("no pricing for model")
		return m
	}
	m.Cost = p.Cost(e.Outcome.TokensIn, e.Outcome.TokensOut)
	return m
}

// flag marks exactly one fastest and one cheapest entry among ok. Ties go
// to the entry listed first.
func flag(results []arena.Entry, ok []int) {
	if len(ok) == 0 {
		return
	}
	fastest, cheapest := ok[0], ok[0]
	for _, i := range ok[1:] {
		m := results[i].Metrics
		if m.ResponseTimeMs < results[fastest].Metrics.ResponseTimeMs {
			fastest = i
		}
		if m.Cost < results[cheapest].Metrics.Cost {
			cheapest = i
		}
	}
	results[fastest].Metrics.Fastest = true
	results[cheapest].Metrics.Cheapest = true
}

type tail struct {
	point arena.QuotaPoint
	seen  bool
}

func (a *Aggregator) quotaSamples(ctx context.Context, account string, results []arena.Entry, ok []int) ([]quota.Sample, error) {
	order := append([]int(nil), ok...)
	sort.SliceStable(order, func(x, y int) bool {
		return results[order[x]].Outcome.EndTime.Before(results[order[y]].Outcome.EndTime)
	})

	tails := map[providers.ID]*tail{}
	samples := make([]quota.Sample, 0, len(order))
	for _, i := range order {
		e := &results[i]
		t, found := tails[e.Provider]
		if !found {
			last, seen, err := a.cfg.Quota.Last(ctx, account, e.Provider)
			if err != nil {
				return nil, fmt.Errorf("read quota tail: %w", err)
			}
			t = &tail{point: last, seen: seen}
			tails[e.Provider] = t
		}

		tokens := e.Outcome.TokensIn + e.Outcome.TokensOut
		p := arena.QuotaPoint{
			Timestamp: e.Outcome.EndTime,
			Tokens:    tokens,
			Used:      t.point.Used + tokens,
		}
		if t.seen && p.Timestamp.Before(t.point.Timestamp) {
			p.Timestamp = t.point.Timestamp
		}
		p.LeftPercent = a.leftPercent(e.Provider, p.Used, e.Outcome.ReportedQuota)

		e.Metrics.LeftPercent = p.LeftPercent
		t.point, t.seen = p, true
		samples = append(samples, quota.Sample{Provider: e.Provider, Point: p})
	}
	return samples, nil
}

func (a *Aggregator) leftPercent(id providers.ID, used int64, reported *float64) float64 {
	if ceiling := a.cfg.Ceilings[id]; ceiling > 0 {
		return clamp(100 * float64(ceiling-used) / float64(ceiling))
	}
	if reported != nil {
		return clamp(*reported)
	}
	return 100
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
