package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"llmarena/internal/arena"
)

// RunJob is a run accepted over the API and executed by a worker. RunID is
// assigned up front so the caller can poll the session for it.
type RunJob struct {
	JobID      string           `json:"job_id"`
	Account    string           `json:"account"`
	SessionID  string           `json:"session_id"`
	RunID      string           `json:"run_id"`
	Request    arena.RunRequest `json:"request"`
	Deadline   time.Duration    `json:"deadline"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Attempts   int              `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job RunJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job RunJob) (RunJob, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if strings.TrimSpace(job.RunID) == "" {
		job.RunID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return RunJob{}, fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return RunJob{}, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

// Read returns up to count new messages. Entries that cannot be decoded are
// acknowledged and dropped so they are not redelivered forever; if dropping
// fails, the decoded messages are still returned along with the error.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	var undecodable []string
	for _, s := range res {
		for _, m := range s.Messages {
			job, ok := decodeJob(m.Values["payload"])
			if !ok {
				undecodable = append(undecodable, m.ID)
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	if err := q.drop(ctx, undecodable); err != nil {
		return out, err
	}
	return out, nil
}

func (q *StreamQueue) drop(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := q.Ack(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("drop undecodable message %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func decodeJob(raw any) (RunJob, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return RunJob{}, false
	}
	var job RunJob
	if err := json.Unmarshal(b, &job); err != nil {
		return RunJob{}, false
	}
	return job, true
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
