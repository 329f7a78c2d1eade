// Package quota stores the per-account, per-provider series of remaining
// budget samples. Series are append-only.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"llmarena/internal/arena"
	"llmarena/internal/providers"
)

var ErrOutOfOrder = errors.New("quota point precedes the series tail")

// Sample is one point destined for one provider's series.
type Sample struct {
	Provider providers.ID
	Point    arena.QuotaPoint
}

type Store interface {
	// Append applies every sample of one run atomically: either all of them
	// become visible or none do.
	Append(ctx context.Context, account string, samples []Sample) error
	Series(ctx context.Context, account string, id providers.ID) ([]arena.QuotaPoint, error)
	// Last returns the newest point; ok is false for an empty series.
	Last(ctx context.Context, account string, id providers.ID) (p arena.QuotaPoint, ok bool, err error)
}

type seriesKey struct {
	account  string
	provider providers.ID
}

type Memory struct {
	mu     sync.RWMutex
	series map[seriesKey][]arena.QuotaPoint
}

func NewMemory() *Memory {
	return &Memory{series: map[seriesKey][]arena.QuotaPoint{}}
}

func (m *Memory) Append(_ context.Context, account string, samples []Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before touching any series.
	tails := map[seriesKey]arena.QuotaPoint{}
	for _, s := range samples {
		k := seriesKey{account, s.Provider}
		tail, ok := tails[k]
		if !ok {
			if cur := m.series[k]; len(cur) > 0 {
				tail, ok = cur[len(cur)-1], true
			}
		}
		if ok && s.Point.Timestamp.Before(tail.Timestamp) {
			return fmt.Errorf("append quota %s: %w", s.Provider, ErrOutOfOrder)
		}
		tails[k] = s.Point
	}
	for _, s := range samples {
		k := seriesKey{account, s.Provider}
		m.series[k] = append(m.series[k], s.Point)
	}
	return nil
}

func (m *Memory) Series(_ context.Context, account string, id providers.ID) ([]arena.QuotaPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.series[seriesKey{account, id}]
	out := make([]arena.QuotaPoint, len(cur))
	copy(out, cur)
	return out, nil
}

func (m *Memory) Last(_ context.Context, account string, id providers.ID) (arena.QuotaPoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.series[seriesKey{account, id}]
	if len(cur) == 0 {
		return arena.QuotaPoint{}, false, nil
	}
	return cur[len(cur)-1], true, nil
}
