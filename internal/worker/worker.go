package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmarena/internal/apierror"
	"llmarena/internal/arena"
	"llmarena/internal/engine"
	"llmarena/internal/history"
	"llmarena/internal/metrics"
	"llmarena/internal/queue"
)

// Queue is the job source a worker consumes.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Enqueue(ctx context.Context, job queue.RunJob) (queue.RunJob, error)
	Ack(ctx context.Context, messageID string) error
}

type Executor interface {
	Execute(ctx context.Context, spec engine.Spec) (arena.RunResult, error)
}

type Deduplicator interface {
	MarkFirst(ctx context.Context, jobID string) (bool, error)
}

type Worker struct {
	queue         Queue
	engine        Executor
	dedupe        Deduplicator
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue  Queue
	Engine Executor
	// Dedupe is optional; without it a redelivered job may run twice.
	Dedupe        Deduplicator
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		engine:        cfg.Engine,
		dedupe:        cfg.Dedupe,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			if len(messages) == 0 {
				time.Sleep(1 * time.Second)
				continue
			}
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if retryable(err) && msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.RunJob) error {
	if w.dedupe != nil && job.Attempts == 0 {
		first, err := w.dedupe.MarkFirst(ctx, job.JobID)
		if err != nil {
			return err
		}
		if !first {
			w.logger.Warn().Str("job_id", job.JobID).Msg("skipping duplicate job delivery")
			return nil
		}
	}

	_, err := w.engine.Execute(ctx, engine.Spec{
		Account:   job.Account,
		SessionID: job.SessionID,
		RunID:     job.RunID,
		Request:   job.Request,
		Deadline:  job.Deadline,
	})
	if errors.Is(err, history.ErrRunExists) {
		// A previous attempt recorded the run before failing to ack.
		return nil
	}
	return err
}

// retryable reports whether running the job again could succeed. Invalid
// requests never will.
func retryable(err error) bool {
	return !errors.Is(err, apierror.ErrInvalidRequest)
}
