// Package engine ties the orchestrator, aggregator and history store into
// the single operation callers use: run a prompt for an account and record
// it in a session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmarena/internal/aggregator"
	"llmarena/internal/arena"
	"llmarena/internal/credentials"
	"llmarena/internal/history"
	"llmarena/internal/metrics"
	"llmarena/internal/orchestrator"
)

var ErrRateLimited = errors.New("run rate limit exceeded")

// RateLimitError carries when the current window resets.
type RateLimitError struct {
	Used    int64
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("run rate limit exceeded (%d runs), resets at %s", e.Used, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

type Limiter interface {
	Allow(ctx context.Context, account string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Aggregator   *aggregator.Aggregator
	History      history.Store
	Credentials  credentials.Reader
	Catalog      arena.ModelCatalog
	// Limiter is optional.
	Limiter Limiter
	// Deadline is the per-call deadline; 0 uses each provider's default.
	Deadline time.Duration
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Spec describes one run to execute.
type Spec struct {
	Account   string
	SessionID string
	// RunID overrides the generated run id when set.
	RunID    string
	Request  arena.RunRequest
	Deadline time.Duration
}

// Validate checks a request without dispatching it.
func (e *Engine) Validate(req arena.RunRequest) error {
	_, err := req.Validate(e.cfg.Catalog)
	return err
}

// Admit counts one run against the account's rate limit.
func (e *Engine) Admit(ctx context.Context, account string) error {
	if e.cfg.Limiter == nil {
		return nil
	}
	allowed, used, resetAt, err := e.cfg.Limiter.Allow(ctx, account, time.Now())
	if err != nil {
		// Fail open when the limiter backend is down.
		e.cfg.Logger.Warn().Err(err).Str("account", account).Msg("rate limiter unavailable")
		return nil
	}
	if !allowed {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RateLimited.Inc()
		}
		return &RateLimitError{Used: used, ResetAt: resetAt}
	}
	return nil
}

// Run validates, admits, executes and records a run. Invalid requests do
// not count against the rate limit.
func (e *Engine) Run(ctx context.Context, spec Spec) (arena.RunResult, error) {
	if err := e.Validate(spec.Request); err != nil {
		e.countRun("invalid")
		return arena.RunResult{}, err
	}
	if err := e.Admit(ctx, spec.Account); err != nil {
		return arena.RunResult{}, err
	}
	return e.Execute(ctx, spec)
}

// Execute runs spec without rate limiting. Workers call it for jobs that
// were admitted when they were enqueued. A spec whose RunID is already
// recorded in the session returns history.ErrRunExists before any provider
// is called.
func (e *Engine) Execute(ctx context.Context, spec Spec) (arena.RunResult, error) {
	if strings.TrimSpace(spec.SessionID) == "" {
		return arena.RunResult{}, errors.New("execute run: session id is empty")
	}
	if spec.RunID != "" {
		_, err := e.cfg.History.Get(ctx, spec.SessionID, spec.RunID)
		switch {
		case err == nil:
			return arena.RunResult{}, fmt.Errorf("execute run %s: %w", spec.RunID, history.ErrRunExists)
		case !errors.Is(err, history.ErrNotFound):
			return arena.RunResult{}, fmt.Errorf("check run %s: %w", spec.RunID, err)
		}
	}
	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = e.cfg.Deadline
	}

	run, err := e.cfg.Orchestrator.Execute(ctx, spec.Request, credentials.ForAccount(e.cfg.Credentials, spec.Account), deadline)
	if err != nil {
		e.countRun("invalid")
		return arena.RunResult{}, err
	}
	if spec.RunID != "" {
		run.ID = spec.RunID
	}

	enriched, err := e.cfg.Aggregator.Aggregate(ctx, spec.Account, run)
	if err != nil {
		e.countRun("error")
		return arena.RunResult{}, fmt.Errorf("aggregate run: %w", err)
	}
	if err := e.cfg.History.Append(ctx, spec.SessionID, enriched); err != nil {
		e.countRun("error")
		return arena.RunResult{}, fmt.Errorf("record run: %w", err)
	}

	e.countRun("ok")
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ObserveRun(enriched)
	}
	e.cfg.Logger.Info().
		Str("run_id", enriched.ID).
		Str("session_id", spec.SessionID).
		Int("selections", len(enriched.Results)).
		Int("fastest", enriched.Fastest()).
		Msg("run recorded")
	return enriched, nil
}

func (e *Engine) countRun(result string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RunsTotal.WithLabelValues(result).Inc()
	}
}
