// Package arena holds the data model shared by the run engine: requests,
// per-selection outcomes, run results, quota points and session history.
package arena

import (
	"time"

	"llmarena/internal/apierror"
	"llmarena/internal/providers"
)

type Selection struct {
	Provider providers.ID `json:"provider"`
	Model    string       `json:"model"`
}

type RunRequest struct {
	Prompt     string      `json:"prompt"`
	Selections []Selection `json:"selections"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the raw result of one provider call. Exactly one of the success
// fields (Text, tokens) or the failure fields (ErrorKind, Message) is set.
type Outcome struct {
	Status    Status    `json:"status"`
	Text      string    `json:"text,omitempty"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ErrorKind apierror.Kind `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`

	// ReportedQuota is the provider's own remaining-budget percentage when
	// its response headers carried one.
	ReportedQuota *float64 `json:"reported_quota,omitempty"`
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// ResponseTimeMs is the call duration in milliseconds, never negative.
func (o Outcome) ResponseTimeMs() int64 {
	if o.StartTime.IsZero() || o.EndTime.IsZero() {
		return 0
	}
	ms := o.EndTime.Sub(o.StartTime).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func Failed(kind apierror.Kind, message string) Outcome {
	return Outcome{Status: StatusFailure, ErrorKind: kind, Message: message}
}

// Metrics are the comparative fields derived after a run completes.
type Metrics struct {
	ResponseTimeMs int64   `json:"response_time_ms"`
	Cost           float64 `json:"cost"`
	PricingKnown   bool    `json:"pricing_known"`
	Caveat         string  `json:"caveat,omitempty"`
	LeftPercent    float64 `json:"left_percent"`
	Fastest        bool    `json:"fastest"`
	Cheapest       bool    `json:"cheapest"`
}

const CaveatPricingUnavailable = "pricing unavailable"

type Entry struct {
	Provider providers.ID `json:"provider"`
	Model    string       `json:"model"`
	Outcome  Outcome      `json:"outcome"`
	Metrics  *Metrics     `json:"metrics,omitempty"`
}

type RunResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Prompt    string    `json:"prompt"`
	Results   []Entry   `json:"results"`
}

// Clone returns a deep copy so stored runs cannot be changed through a
// caller's reference.
func (r RunResult) Clone() RunResult {
	out := r
	if r.Results != nil {
		out.Results = make([]Entry, len(r.Results))
	}
	for i, e := range r.Results {
		if e.Metrics != nil {
			m := *e.Metrics
			e.Metrics = &m
		}
		if e.Outcome.ReportedQuota != nil {
			q := *e.Outcome.ReportedQuota
			e.Outcome.ReportedQuota = &q
		}
		out.Results[i] = e
	}
	return out
}

// Fastest returns the index of the entry flagged fastest, or -1.
func (r RunResult) Fastest() int {
	for i, e := range r.Results {
		if e.Metrics != nil && e.Metrics.Fastest {
			return i
		}
	}
	return -1
}

// Cheapest returns the index of the entry flagged cheapest, or -1.
func (r RunResult) Cheapest() int {
	for i, e := range r.Results {
		if e.Metrics != nil && e.Metrics.Cheapest {
			return i
		}
	}
	return -1
}

// QuotaPoint is one sample of a provider's remaining budget. Used is the
// cumulative token count after the sample.
type QuotaPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	LeftPercent float64   `json:"left_percent"`
	Tokens      int64     `json:"tokens"`
	Used        int64     `json:"used"`
}

type SessionHistory struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Runs      []RunResult `json:"runs"`
}

type SessionSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RunCount  int       `json:"run_count"`
}

// Stamp returns t in UTC at millisecond resolution, without a monotonic
// reading. All persisted timestamps go through it.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
