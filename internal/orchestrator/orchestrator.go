// Package orchestrator fans one prompt out to several provider/model
// selections and collects one outcome per selection.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llmarena/internal/apierror"
	"llmarena/internal/arena"
	"llmarena/internal/credentials"
	"llmarena/internal/providers"
)

const DefaultMaxDeadline = 60 * time.Second

// Catalog is the part of the provider registry the orchestrator needs.
type Catalog interface {
	HasModel(id providers.ID, model string) bool
	Deadline(id providers.ID) time.Duration
}

type Dialer interface {
	Dial(id providers.ID, apiKey string) (providers.Provider, error)
}

// Credentials is one account's view of the credential store.
type Credentials interface {
	Status(ctx context.Context, id providers.ID) (credentials.KeyStatus, error)
	APIKey(ctx context.Context, id providers.ID) (string, error)
}

type Config struct {
	Catalog Catalog
	Dialer  Dialer
	// MaxDeadline bounds every per-call deadline.
	MaxDeadline  time.Duration
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Logger       zerolog.Logger
	// Observe, when set, is called once per selection after its outcome is
	// final. It may be called from several goroutines at once.
	Observe func(sel arena.Selection, out arena.Outcome)
	Now     func() time.Time
	NewID   func() string
}

type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = DefaultMaxDeadline
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{cfg: cfg}
}

// Execute runs req against every selection and returns results in selection
// order. The only error it returns wraps apierror.ErrInvalidRequest; provider
// failures are reported inside the result. deadlinePerCall <= 0 means each
// provider's catalog deadline.
func (o *Orchestrator) Execute(ctx context.Context, req arena.RunRequest, creds Credentials, deadlinePerCall time.Duration) (arena.RunResult, error) {
	req, err := req.Validate(o.cfg.Catalog)
	if err != nil {
		return arena.RunResult{}, err
	}

	run := arena.RunResult{
		ID:        o.cfg.NewID(),
		CreatedAt: arena.Stamp(o.cfg.Now()),
		Prompt:    req.Prompt,
		Results:   make([]arena.Entry, len(req.Selections)),
	}
	log := o.cfg.Logger.With().Str("run_id", run.ID).Logger()

	// Each task writes only its own slot.
	var g errgroup.Group
	for i, sel := range req.Selections {
		run.Results[i] = arena.Entry{Provider: sel.Provider, Model: sel.Model}

		key, blocked := o.credential(ctx, log, creds, sel.Provider)
		if blocked != nil {
			run.Results[i].Outcome = *blocked
			o.observe(sel, *blocked)
			continue
		}

		g.Go(func() error {
			out := o.call(ctx, log, sel, key, req.Prompt, o.deadline(sel.Provider, deadlinePerCall))
			run.Results[i].Outcome = out
			o.observe(sel, out)
			return nil
		})
	}
	_ = g.Wait()

	return run, nil
}

// credential returns the key to dispatch with, or a ready failure outcome
// when the selection must not be dispatched.
func (o *Orchestrator) credential(ctx context.Context, log zerolog.Logger, creds Credentials, id providers.ID) (string, *arena.Outcome) {
	st, err := creds.Status(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("provider", id.String()).Msg("read key status failed")
		out := arena.Failed(apierror.Unknown, apierror.MsgUnknown)
		return "", &out
	}
	if !st.Status.Dispatchable() {
		out := arena.Failed(apierror.Unauthorized, unauthorizedMessage(st.Status))
		return "", &out
	}
	key, err := creds.APIKey(ctx, id)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotFound) {
			log.Warn().Err(err).Str("provider", id.String()).Msg("read api key failed")
		}
		out := arena.Failed(apierror.Unauthorized, apierror.MsgMissingKey)
		return "", &out
	}
	return key, nil
}

func unauthorizedMessage(st credentials.Status) string {
	if st == credentials.StatusInvalid {
		return apierror.MsgUnauthorized
	}
	return apierror.MsgMissingKey
}

// deadline picks the per-call deadline: the explicit one, else the
// provider's default, always clamped to MaxDeadline.
func (o *Orchestrator) deadline(id providers.ID, perCall time.Duration) time.Duration {
	d := perCall
	if d <= 0 && o.cfg.Catalog != nil {
		d = o.cfg.Catalog.Deadline(id)
	}
	if d <= 0 || d > o.cfg.MaxDeadline {
		d = o.cfg.MaxDeadline
	}
	return d
}

type reply struct {
	resp providers.ChatResponse
	err  error
}

func (o *Orchestrator) call(ctx context.Context, log zerolog.Logger, sel arena.Selection, key, prompt string, deadline time.Duration) arena.Outcome {
	log = log.With().Str("provider", sel.Provider.String()).Str("model", sel.Model).Logger()

	client, err := o.cfg.Dialer.Dial(sel.Provider, key)
	if err != nil {
		log.Error().Err(err).Msg("build provider client failed")
		return arena.Failed(apierror.Unknown, apierror.MsgUnknown)
	}

	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// The call runs in its own goroutine so a client that ignores its
	// context still cannot hold the task past the deadline.
	done := make(chan reply, 1)
	start := o.cfg.Now()
	go func() {
		resp, err := client.Chat(cctx, providers.ChatRequest{
			Model:        sel.Model,
			SystemPrompt: o.cfg.SystemPrompt,
			UserPrompt:   prompt,
			MaxTokens:    o.cfg.MaxTokens,
			Temperature:  o.cfg.Temperature,
		})
		done <- reply{resp: resp, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-cctx.Done():
		r = reply{err: cctx.Err()}
	}
	end := o.cfg.Now()

	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	startStamp := arena.Stamp(start)
	endStamp := startStamp.Add(elapsed.Truncate(time.Millisecond))

	if r.err != nil {
		n := classify(cctx, r.err)
		log.Warn().Str("kind", string(n.Kind)).Dur("elapsed", elapsed).Msg("provider call failed")
		out := arena.Failed(n.Kind, n.Message)
		out.StartTime, out.EndTime = startStamp, endStamp
		return out
	}

	out := arena.Outcome{
		Status:    arena.StatusSuccess,
		Text:      r.resp.Text,
		TokensIn:  nonNegative(r.resp.Usage.InputTokens),
		TokensOut: nonNegative(r.resp.Usage.OutputTokens),
		StartTime: startStamp,
		EndTime:   endStamp,
	}
	if r.resp.Quota != nil {
		if pct, ok := r.resp.Quota.LeftPercent(); ok {
			out.ReportedQuota = &pct
		}
	}
	log.Debug().Int64("tokens_in", out.TokensIn).Int64("tokens_out", out.TokensOut).Dur("elapsed", elapsed).Msg("provider call completed")
	return out
}

func classify(cctx context.Context, err error) apierror.Normalized {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return apierror.Normalize(se.Status, se.Body)
	}
	if cctx.Err() != nil {
		return apierror.FromTransport(cctx.Err())
	}
	return apierror.FromTransport(err)
}

func (o *Orchestrator) observe(sel arena.Selection, out arena.Outcome) {
	if o.cfg.Observe != nil {
		o.cfg.Observe(sel, out)
	}
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
