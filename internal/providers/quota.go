package providers

import (
	"net/http"
	"strconv"
	"strings"
)

// QuotaReport is the remaining token budget a provider advertised in its
// response headers.
type QuotaReport struct {
	Remaining int64
	Limit     int64
}

// LeftPercent converts the report into a 0..100 percentage.
func (q QuotaReport) LeftPercent() (float64, bool) {
	if q.Limit <= 0 {
		return 0, false
	}
	pct := float64(q.Remaining) / float64(q.Limit) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

var quotaHeaderPairs = [][2]string{
	{"x-ratelimit-remaining-tokens", "x-ratelimit-limit-tokens"},
	{"anthropic-ratelimit-tokens-remaining", "anthropic-ratelimit-tokens-limit"},
	{"anthropic-ratelimit-input-tokens-remaining", "anthropic-ratelimit-input-tokens-limit"},
}

// QuotaFromHeaders extracts a token budget from well-known rate limit headers.
func QuotaFromHeaders(h http.Header) *QuotaReport {
	for _, pair := range quotaHeaderPairs {
		remaining, okR := headerInt(h, pair[0])
		limit, okL := headerInt(h, pair[1])
		if okR && okL && limit > 0 {
			return &QuotaReport{Remaining: remaining, Limit: limit}
		}
	}
	return nil
}

func headerInt(h http.Header, key string) (int64, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
